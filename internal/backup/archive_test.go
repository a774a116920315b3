package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"inventory-backup/internal/logging"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAssetTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "references", "2024"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logo.png"), []byte("png-bytes"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "references", "2024", "ref-001.jpg"), []byte("jpg-bytes"), 0600))
}

func TestArchiveDirectory_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeAssetTree(t, src)

	var buf bytes.Buffer
	require.NoError(t, ArchiveDirectory(context.Background(), src, &buf, 6))
	require.NotZero(t, buf.Len())

	dest := filepath.Join(t.TempDir(), "restored")
	files, err := ExtractArchive(context.Background(), &buf, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, files)

	content, err := os.ReadFile(filepath.Join(dest, "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))

	content, err = os.ReadFile(filepath.Join(dest, "references", "2024", "ref-001.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpg-bytes", string(content))

	info, err := os.Stat(filepath.Join(dest, "references", "2024", "ref-001.jpg"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestArchiveDirectory_MissingSource(t *testing.T) {
	var buf bytes.Buffer
	err := ArchiveDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"), &buf, 0)
	assert.Error(t, err)
}

func TestArchiveDirectory_Cancelled(t *testing.T) {
	src := t.TempDir()
	writeAssetTree(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	assert.ErrorIs(t, ArchiveDirectory(ctx, src, &buf, 0), context.Canceled)
}

func maliciousArchive(t *testing.T, header *tar.Header, body []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(header))
	if len(body) > 0 {
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestExtractArchive_RejectsPathTraversal(t *testing.T) {
	archive := maliciousArchive(t, &tar.Header{Name: "../../evil.sh", Mode: 0755, Size: 4, Typeflag: tar.TypeReg}, []byte("boom"))

	parent := t.TempDir()
	_, err := ExtractArchive(context.Background(), archive, filepath.Join(parent, "dest"))
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeCorruptSnapshot))

	_, statErr := os.Stat(filepath.Join(parent, "evil.sh"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractArchive_RejectsSymlinks(t *testing.T) {
	archive := maliciousArchive(t, &tar.Header{Name: "link", Linkname: "/etc/passwd", Typeflag: tar.TypeSymlink}, nil)

	_, err := ExtractArchive(context.Background(), archive, t.TempDir())
	assert.True(t, IsType(err, BackupErrorTypeCorruptSnapshot))
}

func TestExtractArchive_StripsSpecialBits(t *testing.T) {
	archive := maliciousArchive(t, &tar.Header{Name: "tool", Mode: 04755, Size: 2, Typeflag: tar.TypeReg}, []byte("ok"))

	dest := t.TempDir()
	_, err := ExtractArchive(context.Background(), archive, dest)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "tool"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSetuid)
}

func TestExtractArchive_NotGzip(t *testing.T) {
	_, err := ExtractArchive(context.Background(), bytes.NewBufferString("plain text"), t.TempDir())
	assert.True(t, IsType(err, BackupErrorTypeCorruptSnapshot))
}

func TestSwapDirectory(t *testing.T) {
	parent := t.TempDir()
	target := filepath.Join(parent, "assets")
	staging := filepath.Join(parent, "assets.staging")

	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "old.txt"), []byte("old"), 0644))
	require.NoError(t, os.MkdirAll(staging, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "new.txt"), []byte("new"), 0644))

	require.NoError(t, SwapDirectory(staging, target, logging.NewDiscardLogger()))

	_, err := os.Stat(filepath.Join(target, "new.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(target, "old.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(target + ".previous")
	assert.True(t, os.IsNotExist(err))
}

func TestSwapDirectory_NoPreviousTarget(t *testing.T) {
	parent := t.TempDir()
	staging := filepath.Join(parent, "staging")
	require.NoError(t, os.MkdirAll(staging, 0755))

	require.NoError(t, SwapDirectory(staging, filepath.Join(parent, "assets"), logging.NewDiscardLogger()))
	_, err := os.Stat(filepath.Join(parent, "assets"))
	assert.NoError(t, err)
}

func TestSwapDirectory_CleanupFailureIsLogged(t *testing.T) {
	parent := t.TempDir()
	target := filepath.Join(parent, "assets")
	staging := filepath.Join(parent, "assets.staging")
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.MkdirAll(staging, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "new.txt"), []byte("new"), 0644))

	calls := 0
	removeAll = func(path string) error {
		calls++
		if calls == 2 {
			return errors.New("device busy")
		}
		return os.RemoveAll(path)
	}
	t.Cleanup(func() { removeAll = os.RemoveAll })

	var logs bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelNormal, Output: &logs, Format: "json"})
	require.NoError(t, err)

	require.NoError(t, SwapDirectory(staging, target, logger))
	assert.Equal(t, 2, calls)
	_, err = os.Stat(filepath.Join(target, "new.txt"))
	assert.NoError(t, err)
	assert.Contains(t, logs.String(), "Failed to remove previous assets")
	assert.Contains(t, logs.String(), "device busy")
}

func TestInspectArchive(t *testing.T) {
	src := t.TempDir()
	writeAssetTree(t, src)

	var buf bytes.Buffer
	require.NoError(t, ArchiveDirectory(context.Background(), src, &buf, 0))

	files, err := InspectArchive(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, files)

	archive := maliciousArchive(t, &tar.Header{Name: "../up.txt", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}, []byte("x"))
	_, err = InspectArchive(context.Background(), archive)
	assert.True(t, IsType(err, BackupErrorTypeCorruptSnapshot))
}
