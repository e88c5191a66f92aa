// Package archive unpacks the gzip-compressed tar bundle a run starts from.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"batchpress/internal/domain"

	kgzip "github.com/klauspost/compress/gzip"
)

const dirPerm = 0o755

// Result summarizes an extraction.
type Result struct {
	Files   int
	Dirs    int
	Skipped int
	Bytes   int64
}

// CheckAccess reports whether path exists and is readable.
func CheckAccess(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", domain.ErrMalformedArchive, path)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedArchive, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", domain.ErrMalformedArchive, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s is not readable: %w", domain.ErrMalformedArchive, path, err)
	}
	return f.Close()
}

// Extract unpacks archivePath into destDir, which must exist. Regular files
// and directories are restored; links and device nodes are skipped. Entries
// escaping destDir make the archive malformed.
func Extract(ctx context.Context, archivePath, destDir string, logger *slog.Logger) (*Result, error) {
	logger = logger.With("component", "archive", "archive", archivePath)
	if err := CheckAccess(archivePath); err != nil {
		return nil, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedArchive, err)
	}
	defer f.Close()

	zr, err := kgzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %w", domain.ErrMalformedArchive, err)
	}
	defer zr.Close()

	res := &Result{}
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("%w: %w", domain.ErrMalformedArchive, err)
		}

		target, err := targetPath(destDir, hdr.Name)
		if err != nil {
			return res, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return res, fmt.Errorf("create %s: %w", target, err)
			}
			res.Dirs++
		case tar.TypeReg:
			n, err := writeFile(target, tr, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return res, err
			}
			res.Files++
			res.Bytes += n
		default:
			logger.Warn("skipping unsupported archive entry", "entry", hdr.Name, "type", string(hdr.Typeflag))
			res.Skipped++
		}
	}

	logger.Info("archive extracted", "files", res.Files, "dirs", res.Dirs, "skipped", res.Skipped, "bytes", res.Bytes)
	return res, nil
}

func targetPath(destDir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes the destination", domain.ErrMalformedArchive, name)
	}
	return filepath.Join(destDir, clean), nil
}

func writeFile(target string, r io.Reader, perm fs.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		_ = out.Close()
		return n, fmt.Errorf("%w: read %s: %w", domain.ErrMalformedArchive, target, err)
	}
	return n, out.Close()
}
