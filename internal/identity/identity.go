// Package identity generates and checks device identifiers and normalizes the
// display names devices choose for themselves.
package identity

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultMaxNameLength = 50
	DefaultName          = "Unknown Device"
)

// NewID returns a fresh random (version 4) identifier.
func NewID() string {
	return uuid.NewString()
}

// IsValidID reports whether id is a canonical, hyphenated RFC 4122 UUID of
// version 1 through 5. Braced, URN and unhyphenated forms are rejected.
func IsValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	if v := u.Version(); v < 1 || v > 5 {
		return false
	}
	return u.Variant() == uuid.RFC4122
}

// SanitizeName strips markup-significant and control characters, trims
// surrounding whitespace and bounds the result to maxLen characters. An empty
// result is replaced by fallback.
func SanitizeName(name string, maxLen int, fallback string) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxNameLength
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '<', r == '>', r == '"', r == '\'', r == '&':
			return -1
		case r < 0x20, r == 0x7f:
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > maxLen {
		cleaned = string([]rune(cleaned)[:maxLen])
	}
	if cleaned == "" {
		return fallback
	}
	return cleaned
}
