package workspace_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/boltshell/internal/sandbox"
	"github.com/opensandbox/boltshell/internal/workspace"
	"github.com/opensandbox/boltshell/pkg/types"
)

func newStore(t *testing.T, opts workspace.Options) (*workspace.Store, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := sandbox.NewLocalFS(root)
	require.NoError(t, err)
	return workspace.NewStore(fs, opts), root
}

func paths(entries []types.FileEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		suffix := ""
		if e.Type == types.EntryDirectory {
			suffix = "/"
		}
		out = append(out, e.Path+suffix)
	}
	return out
}

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
		bad      bool
	}{
		{in: "a.txt", want: "a.txt"},
		{in: "/src/app.js", want: "src/app.js"},
		{in: "src//lib/./x.go", want: "src/lib/x.go"},
		{in: `src\win.txt`, want: "src/win.txt"},
		{in: "  spaced.txt ", want: "spaced.txt"},
		{in: "../etc/passwd", bad: true},
		{in: "a/../../b", bad: true},
		{in: "", bad: true},
		{in: "/", bad: true},
	}
	for _, tt := range tests {
		got, err := workspace.Clean(tt.in)
		if tt.bad {
			assert.ErrorIs(t, err, workspace.ErrInvalidPath, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestWriteFile_CreatesParents(t *testing.T) {
	s, root := newStore(t, workspace.Options{})
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "src/components/App.jsx", "export default 1"))

	data, err := os.ReadFile(filepath.Join(root, "src", "components", "App.jsx"))
	require.NoError(t, err)
	assert.Equal(t, "export default 1", string(data))

	want := []string{"src/", "src/components/", "src/components/App.jsx"}
	if diff := cmp.Diff(want, paths(s.List())); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	e, ok := s.Get("/src/components/App.jsx")
	require.True(t, ok)
	assert.Equal(t, "export default 1", e.Content)
	assert.Equal(t, int64(16), e.Size)
	for _, listed := range s.List() {
		assert.Empty(t, listed.Content, "List carries no content")
	}
}

func TestWriteFile_LastWriterWins(t *testing.T) {
	s, _ := newStore(t, workspace.Options{})
	ctx := context.Background()
	require.NoError(t, s.WriteFile(ctx, "a.txt", "one"))
	require.NoError(t, s.WriteFile(ctx, "a.txt", "two"))

	got, err := s.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", got)
	assert.Equal(t, 1, s.Len())
}

func TestWriteFile_InvalidPath(t *testing.T) {
	s, _ := newStore(t, workspace.Options{})
	err := s.WriteFile(context.Background(), "../escape.txt", "x")
	assert.ErrorIs(t, err, workspace.ErrInvalidPath)
	assert.Zero(t, s.Len())
}

func TestReadFile_NotFound(t *testing.T) {
	s, _ := newStore(t, workspace.Options{})
	_, err := s.ReadFile(context.Background(), "missing.txt")
	assert.ErrorIs(t, err, workspace.ErrNotFound)
}

func TestLoad(t *testing.T) {
	s, root := newStore(t, workspace.Options{MaxFileSize: 8})
	ctx := context.Background()

	write := func(rel, content string) {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	write("package.json", "{}")
	write("src/index.js", "big file content")
	write("node_modules/react/index.js", "skipped")

	require.NoError(t, s.Load(ctx))

	want := []string{"node_modules/", "package.json", "src/", "src/index.js"}
	if diff := cmp.Diff(want, paths(s.List())); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	big, ok := s.Get("src/index.js")
	require.True(t, ok)
	assert.Empty(t, big.Content)
	assert.Equal(t, int64(16), big.Size)

	got, err := s.ReadFile(ctx, "src/index.js")
	require.NoError(t, err)
	assert.Equal(t, "big file content", got, "large files read through")
}

func TestRemove_DropsDescendants(t *testing.T) {
	s, root := newStore(t, workspace.Options{})
	ctx := context.Background()
	require.NoError(t, s.WriteFile(ctx, "src/a.js", "a"))
	require.NoError(t, s.WriteFile(ctx, "src/lib/b.js", "b"))
	require.NoError(t, s.WriteFile(ctx, "srcfile.txt", "keep"))

	require.NoError(t, s.Remove(ctx, "src"))

	assert.Equal(t, []string{"srcfile.txt"}, paths(s.List()))
	_, err := os.Stat(filepath.Join(root, "src"))
	assert.True(t, os.IsNotExist(err))
}

func TestMakeDirAndChildren(t *testing.T) {
	s, root := newStore(t, workspace.Options{})
	ctx := context.Background()

	require.NoError(t, s.MakeDir(ctx, "src/components"))
	require.NoError(t, s.WriteFile(ctx, "src/index.ts", "export {}"))
	require.NoError(t, s.WriteFile(ctx, "README.md", "# app"))
	assert.DirExists(t, filepath.Join(root, "src", "components"))

	top, err := s.Children("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/", "README.md"}, paths(top))

	src, err := s.Children("src")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/components/", "src/index.ts"}, paths(src))
	for _, e := range src {
		assert.Empty(t, e.Content)
	}

	_, err = s.Children("missing")
	assert.ErrorIs(t, err, workspace.ErrNotFound)
	_, err = s.Children("README.md")
	assert.ErrorIs(t, err, workspace.ErrInvalidPath)
}

func TestRefresh(t *testing.T) {
	s, root := newStore(t, workspace.Options{})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "outside.txt"), []byte("edited"), 0644))
	require.NoError(t, s.Refresh(ctx, "outside.txt", false))
	got, err := s.ReadFile(ctx, "outside.txt")
	require.NoError(t, err)
	assert.Equal(t, "edited", got)

	require.NoError(t, os.Remove(filepath.Join(root, "outside.txt")))
	require.NoError(t, s.Refresh(ctx, "outside.txt", false))
	_, ok := s.Get("outside.txt")
	assert.False(t, ok)

	require.NoError(t, s.Refresh(ctx, "a/b", true))
	assert.Equal(t, []string{"a/", "a/b/"}, paths(s.List()))
}

func TestArchiveRestore(t *testing.T) {
	src, _ := newStore(t, workspace.Options{})
	ctx := context.Background()
	require.NoError(t, src.WriteFile(ctx, "index.html", "<html></html>"))
	require.NoError(t, src.WriteFile(ctx, "src/main.js", "console.log(1)"))

	var buf bytes.Buffer
	n, err := src.Archive(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst, root := newStore(t, workspace.Options{})
	n, err = dst.Restore(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(root, "src", "main.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))
	if diff := cmp.Diff(paths(src.List()), paths(dst.List())); diff != "" {
		t.Errorf("restored tree mismatch (-src +dst):\n%s", diff)
	}
}

type memSnapshots struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (m *memSnapshots) Upload(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objs == nil {
		m.objs = make(map[string][]byte)
	}
	m.objs[key] = data
	return int64(len(data)), nil
}

func (m *memSnapshots) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objs[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestSnapshotRoundTrip(t *testing.T) {
	src, _ := newStore(t, workspace.Options{})
	ctx := context.Background()
	require.NoError(t, src.WriteFile(ctx, "app/page.tsx", strings.Repeat("x", 4096)))

	snaps := &memSnapshots{}
	res, err := src.Snapshot(ctx, snaps, "snapshots/ws/1.tar.zst")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Positive(t, res.SizeBytes)

	dst, _ := newStore(t, workspace.Options{})
	res, err = dst.RestoreSnapshot(ctx, snaps, "snapshots/ws/1.tar.zst")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)

	got, err := dst.ReadFile(ctx, "app/page.tsx")
	require.NoError(t, err)
	assert.Len(t, got, 4096)

	_, err = dst.RestoreSnapshot(ctx, snaps, "missing")
	assert.Error(t, err)
}

type failingUpload struct{ memSnapshots }

func (f *failingUpload) Upload(ctx context.Context, key string, r io.Reader) (int64, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestSnapshot_UploadFailure(t *testing.T) {
	s, _ := newStore(t, workspace.Options{})
	ctx := context.Background()
	require.NoError(t, s.WriteFile(ctx, "a.txt", strings.Repeat("a", 1<<16)))

	done := make(chan error, 1)
	go func() {
		_, err := s.Snapshot(ctx, &failingUpload{}, "k")
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot did not return after upload failure")
	}
}

func TestAutosaver_SkipsUnchangedTree(t *testing.T) {
	s, _ := newStore(t, workspace.Options{})
	ctx := context.Background()
	require.NoError(t, s.WriteFile(ctx, "a.txt", "one"))

	snaps := &memSnapshots{}
	n := 0
	key := func() string {
		n++
		return "snap-" + strings.Repeat("i", n)
	}
	a := workspace.NewAutosaver(s, snaps, key, time.Hour, nil)

	assert.True(t, a.SaveIfChanged(ctx))
	assert.False(t, a.SaveIfChanged(ctx), "unchanged tree must not be saved again")

	require.NoError(t, s.WriteFile(ctx, "a.txt", "two"))
	assert.True(t, a.SaveIfChanged(ctx))
	assert.Len(t, snaps.objs, 2)

	a.Start()
	require.NoError(t, s.MakeDir(ctx, "lib"))
	a.Stop()
	assert.Len(t, snaps.objs, 3, "stop flushes a pending change")
}

func TestAutosaver_RetriesAfterFailure(t *testing.T) {
	s, _ := newStore(t, workspace.Options{})
	ctx := context.Background()
	require.NoError(t, s.WriteFile(ctx, "a.txt", "one"))

	a := workspace.NewAutosaver(s, &failingUpload{}, func() string { return "k" }, time.Hour, nil)
	assert.False(t, a.SaveIfChanged(ctx))
	assert.False(t, a.SaveIfChanged(ctx))

	ok := workspace.NewAutosaver(s, &memSnapshots{}, func() string { return "k" }, time.Hour, nil)
	assert.True(t, ok.SaveIfChanged(ctx))
}
