// Package metadata extracts ebook metadata by invoking the external
// ebook-meta tool and parsing its output.
//
// Extraction never aborts the pipeline: when the tool fails, times out, or
// produces nothing usable, a fallback record is derived from the filename.
// All strings pass the sanitizer and are truncated to the target API limits.
package metadata

import (
	"strings"

	"github.com/AmenZhou/shelfsync/internal/sanitize"
)

// Target API field limits.
const (
	MaxTitleLen  = 1024
	MaxAuthorLen = 512

	// MaxAuthors caps the author list; the target rejects pathological
	// author lists found in scraped libraries.
	MaxAuthors = 20
)

// Record is one extracted metadata record.
type Record struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Language    string   `json:"language,omitempty"`
	Series      string   `json:"series,omitempty"`
	SeriesIndex *float64 `json:"series_index,omitempty"`

	// Fallback marks records derived from the filename because extraction
	// failed or produced no title.
	Fallback bool `json:"-"`
}

// Sanitize cleans and truncates every string field in place.
func (r *Record) Sanitize() {
	r.Title = sanitize.Field(r.Title, MaxTitleLen)
	r.Series = sanitize.Field(r.Series, MaxTitleLen)
	r.Language = sanitize.Field(r.Language, 8)

	authors := r.Authors[:0]
	for _, a := range r.Authors {
		a = sanitize.Field(a, MaxAuthorLen)
		if a != "" {
			authors = append(authors, a)
		}
		if len(authors) == MaxAuthors {
			break
		}
	}
	r.Authors = authors
}

// FromFilename builds the fallback record for a file whose metadata could
// not be extracted: title is the filename stem, author is "Unknown".
func FromFilename(path string) Record {
	stem := stemOf(path)
	r := Record{
		Title:    stem,
		Authors:  []string{"Unknown"},
		Fallback: true,
	}
	r.Sanitize()
	return r
}

// stemOf returns the base name of path without its extension.
func stemOf(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
