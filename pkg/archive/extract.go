package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AmenZhou/shelfsync/internal/logger"
)

// extractTar unpacks a tar (optionally gzip-compressed) archive into destDir.
// Entries escaping destDir are rejected.
func extractTar(ctx context.Context, archivePath, destDir string) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	var reader io.Reader = f
	if strings.HasSuffix(archivePath, ".gz") || strings.HasSuffix(archivePath, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create extraction dir: %w", err)
	}

	tr := tar.NewReader(reader)
	var files int
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read archive entry: %w", err)
		}

		dest, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			logger.WarnCtx(ctx, "skipping archive entry outside extraction dir",
				logger.Path(hdr.Name))
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return files, fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(dest, tr); err != nil {
				return files, fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			files++
		default:
			// symlinks and specials are not book content
		}
	}
	return files, nil
}

func writeEntry(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins name under dir, rejecting traversal outside dir.
func safeJoin(dir, name string) (string, error) {
	dest := filepath.Join(dir, filepath.Clean("/"+name))
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes %q", name, dir)
	}
	return dest, nil
}
