package backup

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inventory-backup/internal/logging"

	"github.com/klauspost/pgzip"
)

// ArchiveExtension is the filename extension of asset archives
const ArchiveExtension = ".tar.gz"

// ArchiveDirectory writes a gzip compressed tarball of src to w. Only
// directories and regular files are archived; symlinks are skipped.
func ArchiveDirectory(ctx context.Context, src string, w io.Writer, level int) (retErr error) {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("asset directory %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("asset path %s is not a directory", src)
	}

	if level < pgzip.BestSpeed || level > pgzip.BestCompression {
		level = pgzip.DefaultCompression
	}

	bufWriter := bufio.NewWriterSize(w, 256*1024)
	gzipWriter, err := pgzip.NewWriterLevel(bufWriter, level)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	tarWriter := tar.NewWriter(gzipWriter)

	// close order: tar, gzip, buffer
	defer func() {
		if err := tarWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := gzipWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("gzip writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	return filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		return nil
	})
}

// ExtractArchive unpacks a tarball produced by ArchiveDirectory into dest and
// returns the number of files written. Entries escaping dest and anything
// but files and directories are rejected.
func ExtractArchive(ctx context.Context, r io.Reader, dest string) (int, error) {
	gzipReader, err := pgzip.NewReader(r)
	if err != nil {
		return 0, NewCorruptSnapshotError("asset archive is not gzip compressed", err)
	}
	defer gzipReader.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}
	cleanDest := filepath.Clean(dest) + string(os.PathSeparator)

	files := 0
	tarReader := tar.NewReader(gzipReader)
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, NewCorruptSnapshotError("failed to read asset archive", err)
		}

		target := filepath.Join(dest, filepath.FromSlash(header.Name))
		if target == filepath.Clean(dest) {
			continue
		}
		if !strings.HasPrefix(target, cleanDest) {
			return files, NewCorruptSnapshotError(fmt.Sprintf("archive entry %q escapes the target directory", header.Name), nil)
		}

		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0700); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, err
			}
			if err := writeArchiveFile(target, tarReader, mode, header.ModTime); err != nil {
				return files, err
			}
			files++
		default:
			return files, NewCorruptSnapshotError(fmt.Sprintf("unsupported archive entry %q", header.Name), nil)
		}
	}
}

// InspectArchive reads a whole archive without writing anything and returns
// the number of files it holds. It applies the same checks as ExtractArchive.
func InspectArchive(ctx context.Context, r io.Reader) (int, error) {
	gzipReader, err := pgzip.NewReader(r)
	if err != nil {
		return 0, NewCorruptSnapshotError("asset archive is not gzip compressed", err)
	}
	defer gzipReader.Close()

	files := 0
	tarReader := tar.NewReader(gzipReader)
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, NewCorruptSnapshotError("failed to read asset archive", err)
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) {
			return files, NewCorruptSnapshotError(fmt.Sprintf("archive entry %q escapes the target directory", header.Name), nil)
		}

		switch header.Typeflag {
		case tar.TypeDir:
		case tar.TypeReg:
			if _, err := io.Copy(io.Discard, tarReader); err != nil {
				return files, NewCorruptSnapshotError(fmt.Sprintf("failed to read archive entry %q", header.Name), err)
			}
			files++
		default:
			return files, NewCorruptSnapshotError(fmt.Sprintf("unsupported archive entry %q", header.Name), nil)
		}
	}
}

func writeArchiveFile(target string, r io.Reader, mode os.FileMode, modTime time.Time) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if !modTime.IsZero() {
		return os.Chtimes(target, modTime, modTime)
	}
	return nil
}

// removeAll is replaced in tests
var removeAll = os.RemoveAll

// SwapDirectory replaces target with staging. The previous content is
// renamed aside first and put back if the swap fails. Once the swap has
// happened, failing to delete the previous content is only logged.
func SwapDirectory(staging, target string, logger *logging.Logger) error {
	previous := target + ".previous"
	if err := removeAll(previous); err != nil {
		return err
	}

	hadPrevious := true
	if err := os.Rename(target, previous); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to move current assets aside: %w", err)
		}
		hadPrevious = false
	}

	if err := os.Rename(staging, target); err != nil {
		if hadPrevious {
			if restoreErr := os.Rename(previous, target); restoreErr != nil {
				return fmt.Errorf("failed to swap assets (%v) and to put previous assets back: %w", err, restoreErr)
			}
		}
		return fmt.Errorf("failed to swap assets: %w", err)
	}

	if hadPrevious {
		if err := removeAll(previous); err != nil {
			logger.WithFields(map[string]interface{}{
				"path":  previous,
				"error": err.Error(),
			}).Warn("Failed to remove previous assets")
		}
	}
	return nil
}
