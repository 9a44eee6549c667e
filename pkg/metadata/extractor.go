package metadata

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/AmenZhou/shelfsync/internal/logger"
)

// DefaultToolPath is where Calibre installs ebook-meta on most distributions.
const DefaultToolPath = "/usr/bin/ebook-meta"

// DefaultTimeout bounds one ebook-meta invocation. Corrupt files can make
// the tool spin; the pipeline must not.
const DefaultTimeout = 30 * time.Second

// Extractor invokes ebook-meta to produce metadata records.
type Extractor struct {
	ToolPath string
	Timeout  time.Duration
}

// NewExtractor returns an extractor with defaults applied.
func NewExtractor(toolPath string, timeout time.Duration) *Extractor {
	if toolPath == "" {
		toolPath = DefaultToolPath
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{ToolPath: toolPath, Timeout: timeout}
}

// Extract runs ebook-meta against the file at path and parses its output.
// On any failure it falls back to a filename-derived record; the error is
// logged, never returned, because extraction failure must not block the
// pipeline.
func (e *Extractor) Extract(ctx context.Context, path string) Record {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.ToolPath, path)
	out, err := cmd.Output()
	if err != nil {
		logger.Warn("Metadata extraction failed, using filename fallback",
			logger.Path(path), logger.Err(err))
		return FromFilename(path)
	}

	rec := parseToolOutput(string(out))
	if rec.Title == "" {
		logger.Debug("No title in extracted metadata, using filename fallback",
			logger.Path(path))
		return FromFilename(path)
	}
	rec.Sanitize()
	return rec
}

// parseToolOutput parses the "Key : value" lines printed by ebook-meta.
func parseToolOutput(out string) Record {
	var rec Record

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := splitMetaLine(line)
		if !ok {
			continue
		}

		switch key {
		case "Title":
			rec.Title = value
		case "Author(s)", "Authors", "Author":
			rec.Authors = parseAuthors(value)
		case "Language", "Languages":
			rec.Language = NormalizeLanguage(value)
		case "Series":
			// ebook-meta renders "Name #3"; keep the index when present.
			name, idx := splitSeries(value)
			rec.Series = name
			if idx != nil {
				rec.SeriesIndex = idx
			}
		case "Series Index":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				rec.SeriesIndex = &f
			}
		}
	}

	return rec
}

// splitMetaLine splits "Key : value" output lines. ebook-meta pads the key
// to a fixed width, so the colon may be surrounded by whitespace.
func splitMetaLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}

// parseAuthors splits the "A & B & C" author list, dropping the
// "[sort-name]" annotations ebook-meta appends.
func parseAuthors(value string) []string {
	parts := strings.Split(value, "&")
	authors := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if i := strings.Index(p, "["); i > 0 {
			p = strings.TrimSpace(p[:i])
		}
		if p != "" {
			authors = append(authors, p)
		}
	}
	return authors
}

// splitSeries parses "Name #index" series values.
func splitSeries(value string) (string, *float64) {
	idx := strings.LastIndex(value, "#")
	if idx < 0 {
		return value, nil
	}
	name := strings.TrimSpace(value[:idx])
	f, err := strconv.ParseFloat(strings.TrimSpace(value[idx+1:]), 64)
	if err != nil {
		return value, nil
	}
	return name, &f
}
