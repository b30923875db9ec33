package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFS(t *testing.T) *LocalFS {
	t.Helper()
	fs, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestLocalFS_WriteCreatesParents(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "src/lib/a.txt", "hello"))

	data, err := os.ReadFile(filepath.Join(fs.Root(), "src", "lib", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	got, err := fs.ReadFile(ctx, "src/lib/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestLocalFS_RefusesEscapes(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	for _, p := range []string{"../x", "a/../../x", "/etc/passwd"} {
		err := fs.WriteFile(ctx, p, "nope")
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}

	abs := filepath.Join(fs.Root(), "inside.txt")
	require.NoError(t, fs.WriteFile(ctx, abs, "ok"))
	ok, err := fs.Exists(ctx, "inside.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalFS_ListDirDirectoriesFirst(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	require.NoError(t, fs.WriteFile(ctx, "b.txt", "b"))
	require.NoError(t, fs.WriteFile(ctx, "a.txt", "a"))
	require.NoError(t, fs.MakeDir(ctx, "zdir", false))

	entries, err := fs.ListDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "zdir", entries[0].Name)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "a.txt", entries[1].Name)
	assert.Equal(t, "a.txt", entries[1].Path)
	assert.Equal(t, int64(1), entries[1].Size)
	assert.Equal(t, "b.txt", entries[2].Name)
}

func TestLocalFS_MakeDir(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	assert.Error(t, fs.MakeDir(ctx, "a/b/c", false))
	require.NoError(t, fs.MakeDir(ctx, "a/b/c", true))
	require.NoError(t, fs.MakeDir(ctx, "a/b/c", false), "existing directory")

	info, err := fs.Stat(ctx, "a/b/c")
	require.NoError(t, err)
	assert.True(t, info.IsDir)
	assert.Equal(t, "a/b/c", info.Path)
}

func TestLocalFS_Remove(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	require.NoError(t, fs.WriteFile(ctx, "dir/f.txt", "x"))

	require.NoError(t, fs.Remove(ctx, "dir"))
	ok, err := fs.Exists(ctx, "dir/f.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, fs.Remove(ctx, ""), ErrOutsideRoot)
	assert.ErrorIs(t, fs.Remove(ctx, "."), ErrOutsideRoot)
}
