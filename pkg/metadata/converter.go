package metadata

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AmenZhou/shelfsync/internal/logger"
)

// DefaultConvertTimeout bounds one ebook-convert invocation. Conversion of a
// large FB2 can legitimately take minutes.
const DefaultConvertTimeout = 5 * time.Minute

// Converter wraps the external ebook-convert tool. It is used on targets
// that reject raw FB2 uploads; other formats are uploaded as-is.
type Converter struct {
	ToolPath string
	Timeout  time.Duration
	TempDir  string
}

// NewConverter returns a converter with defaults applied. tempDir defaults
// to the system temp directory.
func NewConverter(toolPath, tempDir string, timeout time.Duration) *Converter {
	if toolPath == "" {
		toolPath = "/usr/bin/ebook-convert"
	}
	if timeout <= 0 {
		timeout = DefaultConvertTimeout
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Converter{ToolPath: toolPath, Timeout: timeout, TempDir: tempDir}
}

// FB2ToEPUB converts the FB2 file at path into an EPUB in the converter's
// temp directory and returns the output path. The caller owns cleanup of
// the returned file.
func (c *Converter) FB2ToEPUB(ctx context.Context, path string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outPath := filepath.Join(c.TempDir, stem+".epub")

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.ToolPath, path, outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("convert %s: %w (%s)", path, err, firstLine(out))
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("convert %s: no output produced: %w", path, err)
	}

	logger.Debug("Converted FB2 to EPUB",
		logger.Path(path),
		logger.DurationMs(float64(time.Since(start).Microseconds())/1000.0))
	return outPath, nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i > 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
