package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Expressions that count as forward progress in a worker log. A worker that
// keeps emitting any of these is working, however slowly.
var progressSignals = []string{
	"Processed batch",
	"new files",
	"query returned",
	"Extracting archive",
	"Extracted",
	"reusing extraction",
}

// Expressions that mark a log line as an error worth diagnosing.
var errorSignals = []string{
	"level=ERROR",
	"level=WARN",
	"error=",
	"panic:",
	"fatal",
}

// workerLogPath resolves the log file the shard's worker writes to.
func workerLogPath(logDir string, shardID int) string {
	return filepath.Join(logDir, fmt.Sprintf("migration_worker%d.log", shardID))
}

// tailLines returns up to n trailing lines of the file. Missing files yield
// an empty slice, not an error; a dead worker often has no log yet.
func tailLines(path string, n int) ([]string, error) {
	const maxTail = 1 << 20 // read at most the last MiB

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	off := st.Size() - maxTail
	if off < 0 {
		off = 0
	}
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("reading log %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if off > 0 && len(lines) > 0 {
		lines = lines[1:] // first line is likely torn by the offset
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// lastProgressAt reports the newest progress signal in the tail, judged by
// the log file's modification time when a signal is present at the end of
// the file, or zero when the tail carries no signal at all.
func lastProgressAt(path string, tail []string) time.Time {
	idx := -1
	for i, line := range tail {
		for _, sig := range progressSignals {
			if strings.Contains(line, sig) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return time.Time{}
	}
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	if idx == len(tail)-1 {
		// Signal is the latest line, so it is as fresh as the file.
		return st.ModTime()
	}
	// A signal exists but newer non-progress lines follow. Without
	// per-line timestamps the file mtime is still the best bound we
	// have; callers treat this as "recently active".
	return st.ModTime()
}

// repeatedCheckpoint reports whether the last three batch lines carry the
// same checkpoint value, meaning the worker keeps re-iterating one key
// range without moving.
func repeatedCheckpoint(tail []string) bool {
	var marks []string
	for _, line := range tail {
		if !strings.Contains(line, "Processed batch") {
			continue
		}
		i := strings.Index(line, "checkpoint=")
		if i < 0 {
			continue
		}
		v := line[i+len("checkpoint="):]
		if j := strings.IndexAny(v, " \t"); j >= 0 {
			v = v[:j]
		}
		marks = append(marks, v)
	}
	if len(marks) < 3 {
		return false
	}
	marks = marks[len(marks)-3:]
	return marks[0] == marks[1] && marks[1] == marks[2]
}

// errorPattern condenses the tail's error lines into a short signature for
// diagnostics and recurrence matching.
func errorPattern(tail []string) string {
	var errs []string
	for _, line := range tail {
		for _, sig := range errorSignals {
			if strings.Contains(line, sig) {
				errs = append(errs, line)
				break
			}
		}
	}
	if len(errs) == 0 {
		return ""
	}
	if len(errs) > 5 {
		errs = errs[len(errs)-5:]
	}
	return strings.Join(errs, "\n")
}
