// Package stringutil provides common string utility functions.
package stringutil

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidSlug is returned when a candidate id contains no usable characters.
var ErrInvalidSlug = errors.New("id must contain at least one alphanumeric character")

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Slugify normalizes a display name into an id: lowercase alphanumeric
// runs separated by single dashes, no leading or trailing dash.
// Returns ErrInvalidSlug if the input contains no alphanumeric characters.
func Slugify(name string) (string, error) {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "", ErrInvalidSlug
	}
	return slug, nil
}

// Tokenize lowercases the input and splits it on non-alphanumeric runes,
// dropping tokens shorter than minLen.
func Tokenize(s string, minLen int) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= minLen {
			out = append(out, f)
		}
	}
	return out
}
