// Package sanitize cleans strings before they are persisted or sent to the
// target service. Ebook metadata in the wild contains NUL bytes and stray
// control characters that break JSON payloads and database inserts.
package sanitize

import (
	"strings"
	"unicode/utf8"
)

// String removes NUL (0x00) and all control bytes except \t, \n and \r,
// and drops invalid UTF-8 sequences. The result is safe to persist and to
// embed in JSON payloads.
func String(s string) string {
	if isClean(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == utf8.RuneError {
			continue
		}
		if isAllowed(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate shortens s to at most max runes, never splitting a rune.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// Field sanitizes and truncates in one step.
func Field(s string, max int) string {
	return Truncate(strings.TrimSpace(String(s)), max)
}

func isAllowed(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return r >= 0x20 && r != 0x7f
}

// isClean is the fast path: valid UTF-8 with no disallowed bytes.
func isClean(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !isAllowed(r) {
			return false
		}
	}
	return true
}
