package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDriverName(t *testing.T) {
	t.Run("passes clean names through", func(t *testing.T) {
		assert.Equal(t, "Jamie O'Neil!", SanitizeDriverName("Jamie O'Neil!"))
	})

	t.Run("strips disallowed characters", func(t *testing.T) {
		assert.Equal(t, "scriptname", SanitizeDriverName("<script>name</script>"))
	})

	t.Run("empty becomes Anonymous", func(t *testing.T) {
		assert.Equal(t, "Anonymous", SanitizeDriverName(""))
		assert.Equal(t, "Anonymous", SanitizeDriverName("<>"))
	})
}

func TestSanitizeCamURL(t *testing.T) {
	t.Run("accepts http and https", func(t *testing.T) {
		assert.Equal(t, "https://cam.example/live", SanitizeCamURL("https://cam.example/live"))
		assert.Equal(t, "http://cam.example", SanitizeCamURL("http://cam.example"))
	})

	t.Run("clears non-http urls", func(t *testing.T) {
		assert.Equal(t, "", SanitizeCamURL("javascript:alert(1)"))
		assert.Equal(t, "", SanitizeCamURL("ftp://files.example"))
		assert.Equal(t, "", SanitizeCamURL(""))
	})

	t.Run("truncates before validating", func(t *testing.T) {
		long := "https://cam.example/" + strings.Repeat("a", 200)
		assert.Len(t, SanitizeCamURL(long), maxCamURLLength)
	})
}

func TestSanitizeComments(t *testing.T) {
	long := strings.Repeat("x", 150)
	assert.Len(t, SanitizeComments(long), maxCommentsLength)
	assert.Equal(t, "fine", SanitizeComments("fine"))
}

func TestParseBottleDuration(t *testing.T) {
	assert.Equal(t, 12, ParseBottleDuration("12"))
	assert.Equal(t, 5, ParseBottleDuration("abc"))
	assert.Equal(t, 5, ParseBottleDuration(""))
	assert.Equal(t, 5, ParseBottleDuration("-3"))
}
