package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpireSavedSessions(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "oldSess0001.json")
	fresh := filepath.Join(dir, "newSess0002.json")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0o644))

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	j := NewCleanupJob(nil, time.Minute, dir, 24*time.Hour)
	j.expireSavedSessions()

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	// only exported scripts are subject to expiry
	assert.FileExists(t, other)
}

func TestExpireSavedSessionsUnconfigured(t *testing.T) {
	j := NewCleanupJob(nil, time.Minute, "", 24*time.Hour)
	j.expireSavedSessions()

	j = NewCleanupJob(nil, time.Minute, "/nonexistent/path", 24*time.Hour)
	j.expireSavedSessions()
}
