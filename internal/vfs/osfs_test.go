package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "file.md")

	// Parents are created implicitly.
	require.NoError(t, fs.WriteFile(ctx, path, "hello"))

	got, err := fs.ReadToString(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	// No leftover temp file from the atomic write.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteBinary_RoundTrip(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blob.bin")
	payload := []byte{0x00, 0xff, 0x10}

	require.NoError(t, fs.WriteBinary(ctx, path, payload))

	got, err := fs.ReadBinary(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCreateNew_FailsOnExisting(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "once.md")

	require.NoError(t, fs.CreateNew(ctx, path, "first"))
	assert.Error(t, fs.CreateNew(ctx, path, "second"))

	got, err := fs.ReadToString(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestExistsAndIsDir(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "f.md")

	require.NoError(t, fs.WriteFile(ctx, file, "x"))

	exists, err := fs.Exists(ctx, file)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = fs.Exists(ctx, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	isDir, err := fs.IsDir(ctx, dir)
	require.NoError(t, err)
	assert.True(t, isDir)

	isDir, err = fs.IsDir(ctx, file)
	require.NoError(t, err)
	assert.False(t, isDir)
}

func TestMoveAndDelete(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	dir := t.TempDir()
	from := filepath.Join(dir, "from.md")
	to := filepath.Join(dir, "sub", "to.md")

	require.NoError(t, fs.WriteFile(ctx, from, "content"))
	require.NoError(t, fs.MoveFile(ctx, from, to))

	exists, _ := fs.Exists(ctx, from)
	assert.False(t, exists)

	got, err := fs.ReadToString(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, "content", got)

	require.NoError(t, fs.DeleteFile(ctx, to))

	exists, _ = fs.Exists(ctx, to)
	assert.False(t, exists)
}

func TestListMdFiles(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "a.md"), "a"))
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "b.txt"), "b"))
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "c.md"), "c"))

	names, err := fs.ListMdFiles(ctx, dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.md", "c.md"}, names)
}

func TestListAllFilesRecursive_SkipsHidden(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "top.md"), "x"))
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "sub", "nested.md"), "x"))
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, ".diaryx", "crdt.db"), "x"))
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "sub", ".hidden"), "x"))

	paths, err := fs.ListAllFilesRecursive(ctx, dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"top.md", "sub/nested.md"}, paths)
}

func TestGetModifiedTime(t *testing.T) {
	fs := NewOSFileSystem()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f.md")

	require.NoError(t, fs.WriteFile(ctx, path, "x"))

	mtime, err := fs.GetModifiedTime(ctx, path)
	require.NoError(t, err)
	assert.False(t, mtime.IsZero())
}
