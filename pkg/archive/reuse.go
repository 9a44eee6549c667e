package archive

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// extractionDir describes a candidate extraction folder in staging.
type extractionDir struct {
	path  string
	files int
	mtime time.Time
}

// archiveBase strips the archive extensions from a path's base name.
func archiveBase(archivePath string) string {
	base := filepath.Base(archivePath)
	for _, ext := range []string{".gz", ".tgz", ".tar"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// findExistingExtraction looks for a previous (possibly partial) extraction
// of the archive in staging: a directory whose name starts with the
// archive's base name and that contains at least one file. When several
// match, the one with the most files wins; ties break to the most recently
// modified. A hit means a previous run already paid the extraction cost.
func findExistingExtraction(staging, archivePath string) (string, bool) {
	base := archiveBase(archivePath)
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", false
	}

	var best *extractionDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), base) {
			continue
		}
		dir := filepath.Join(staging, e.Name())
		n := countFiles(dir)
		if n == 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cand := &extractionDir{path: dir, files: n, mtime: info.ModTime()}
		if best == nil || cand.files > best.files ||
			(cand.files == best.files && cand.mtime.After(best.mtime)) {
			best = cand
		}
	}
	if best == nil {
		return "", false
	}
	return best.path, true
}

func countFiles(dir string) int {
	var n int
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

// listFiles returns every regular file under dir, sorted by WalkDir order
// (lexical), so runs are deterministic.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
