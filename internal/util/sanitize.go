package util

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	nameBadChars = regexp.MustCompile(`[^A-Za-z0-9' !@.\^\&\-]`)
	httpURL      = regexp.MustCompile(`(?i)^https?://`)
)

const (
	maxCamURLLength   = 100
	maxCommentsLength = 100

	defaultBottleSeconds = 5
)

// SanitizeDriverName strips disallowed characters from a display name.
// An empty result becomes "Anonymous".
func SanitizeDriverName(name string) string {
	name = nameBadChars.ReplaceAllString(name, "")
	if name == "" {
		return "Anonymous"
	}
	return name
}

// SanitizeFileInfo strips disallowed characters from a file name or
// file-driver label shown to riders. May be empty.
func SanitizeFileInfo(info string) string {
	return nameBadChars.ReplaceAllString(info, "")
}

// SanitizeCamURL truncates to 100 characters and clears anything that
// is not an http(s) URL.
func SanitizeCamURL(url string) string {
	if len(url) > maxCamURLLength {
		url = url[:maxCamURLLength]
	}
	if !httpURL.MatchString(url) {
		return ""
	}
	return url
}

// SanitizeComments truncates driver comments to 100 characters.
func SanitizeComments(comments string) string {
	if len(comments) > maxCommentsLength {
		return comments[:maxCommentsLength]
	}
	return comments
}

// ParseBottleDuration parses a bottle duration in seconds, falling
// back to 5 for anything non-numeric.
func ParseBottleDuration(raw string) int {
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return defaultBottleSeconds
	}
	return secs
}
