package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean string untouched", "War and Peace", "War and Peace"},
		{"nul bytes removed", "War\x00 and\x00 Peace", "War and Peace"},
		{"control bytes removed", "Title\x01\x02\x1f here", "Title here"},
		{"tab newline cr kept", "a\tb\nc\rd", "a\tb\nc\rd"},
		{"delete byte removed", "abc\x7fdef", "abcdef"},
		{"unicode kept", "Война и мир — 戦争と平和", "Война и мир — 戦争と平和"},
		{"invalid utf8 dropped", "ok\xff\xfeok", "okok"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.input))
		})
	}
}

func TestStringNeverContainsNUL(t *testing.T) {
	inputs := []string{
		"\x00", "a\x00b", strings.Repeat("\x00", 100), "\x00start", "end\x00",
	}
	for _, in := range inputs {
		assert.NotContains(t, String(in), "\x00")
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "", Truncate("abc", -1))

	// Rune-safe: never splits a multibyte rune
	assert.Equal(t, "Вой", Truncate("Война", 3))
}

func TestField(t *testing.T) {
	assert.Equal(t, "Anna Karenina", Field("  Anna\x00 Karenina  ", 512))
	assert.Equal(t, "ab", Field("abcd", 2))
}
