package util

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
)

const (
	tokenBytes = 32

	// SessionIDLength is the fixed length of a session identifier.
	SessionIDLength = 10

	sessionIDChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateToken mints a driver authorization token.
func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateSessionID mints a random session identifier, used for
// server-created sessions (automated and playlist drivers).
func GenerateSessionID() string {
	chars := []byte(sessionIDChars)
	id := make([]byte, SessionIDLength)
	for i := range id {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		id[i] = chars[n.Int64()]
	}
	return string(id)
}

// IsValidSessionID reports whether s has the fixed session-id shape.
func IsValidSessionID(s string) bool {
	if len(s) != SessionIDLength {
		return false
	}
	for _, c := range s {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
