package metadata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleToolOutput = `Title               : Война и мир
Author(s)           : Лев Толстой [Толстой, Лев] & Translator Person
Publisher           : Public Domain
Languages           : rus
Series              : Русская классика #1
Rating              : 5
`

func TestParseToolOutput(t *testing.T) {
	rec := parseToolOutput(sampleToolOutput)

	assert.Equal(t, "Война и мир", rec.Title)
	require.Len(t, rec.Authors, 2)
	assert.Equal(t, "Лев Толстой", rec.Authors[0])
	assert.Equal(t, "Translator Person", rec.Authors[1])
	assert.Equal(t, "ru", rec.Language)
	assert.Equal(t, "Русская классика", rec.Series)
	require.NotNil(t, rec.SeriesIndex)
	assert.Equal(t, 1.0, *rec.SeriesIndex)
}

func TestParseToolOutputSeriesIndexLine(t *testing.T) {
	out := "Title : Dune\nSeries : Dune Chronicles\nSeries Index : 2.5\n"
	rec := parseToolOutput(out)

	assert.Equal(t, "Dune Chronicles", rec.Series)
	require.NotNil(t, rec.SeriesIndex)
	assert.Equal(t, 2.5, *rec.SeriesIndex)
}

func TestParseToolOutputEmpty(t *testing.T) {
	rec := parseToolOutput("")
	assert.Empty(t, rec.Title)
	assert.Empty(t, rec.Authors)
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"rus", "ru"},
		{"eng", "en"},
		{"ger", "de"},
		{"deu", "de"},
		{"en", "en"},
		{"EN-us", "en"},
		{"English", "en"},
		{"xyz", "xyz"},
		{"", ""},
		{"  fre  ", "fr"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLanguage(tt.in), "input %q", tt.in)
	}
}

func TestFromFilename(t *testing.T) {
	rec := FromFilename("/library/Tolstoy/War and Peace (1869).epub")

	assert.True(t, rec.Fallback)
	assert.Equal(t, "War and Peace (1869)", rec.Title)
	assert.Equal(t, []string{"Unknown"}, rec.Authors)
}

func TestFromFilenameNoExtension(t *testing.T) {
	rec := FromFilename("/tmp/README")
	assert.Equal(t, "README", rec.Title)
}

func TestSanitizeTruncatesAndCleans(t *testing.T) {
	rec := Record{
		Title:   strings.Repeat("x", MaxTitleLen+500) + "\x00",
		Authors: []string{"Good Author", "Bad\x00Author", ""},
	}
	rec.Sanitize()

	assert.Len(t, rec.Title, MaxTitleLen)
	assert.NotContains(t, rec.Title, "\x00")
	require.Len(t, rec.Authors, 2)
	assert.Equal(t, "BadAuthor", rec.Authors[1])
}

func TestSanitizeCapsAuthorCount(t *testing.T) {
	rec := Record{Title: "t"}
	for i := 0; i < 30; i++ {
		rec.Authors = append(rec.Authors, "Author Name")
	}
	rec.Sanitize()
	assert.Len(t, rec.Authors, MaxAuthors)
}
