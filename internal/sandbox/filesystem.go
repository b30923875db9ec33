package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opensandbox/boltshell/pkg/types"
)

// ErrOutsideRoot is returned for paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("sandbox: path outside workspace root")

// LocalFS is the workspace filesystem on the local disk. Relative paths are
// resolved against the root; absolute paths must lie under it.
type LocalFS struct {
	root string
}

// NewLocalFS returns a filesystem rooted at root, creating it when missing.
func NewLocalFS(root string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &LocalFS{root: abs}, nil
}

// Root returns the absolute workspace directory.
func (f *LocalFS) Root() string { return f.root }

// Resolve maps a workspace path to its location on disk.
func (f *LocalFS) Resolve(path string) (string, error) {
	full := filepath.FromSlash(path)
	if filepath.IsAbs(full) {
		full = filepath.Clean(full)
	} else {
		full = filepath.Join(f.root, full)
	}
	rel, err := filepath.Rel(f.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}

// Rel maps an on-disk location back to a slash-separated workspace path.
func (f *LocalFS) Rel(full string) (string, error) {
	rel, err := filepath.Rel(f.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, full)
	}
	return filepath.ToSlash(rel), nil
}

// ReadFile reads a file from the workspace.
func (f *LocalFS) ReadFile(ctx context.Context, path string) (string, error) {
	full, err := f.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile replaces the content of a file, creating its parent directory.
func (f *LocalFS) WriteFile(ctx context.Context, path, content string) error {
	full, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ListDir lists directory contents, directories first.
func (f *LocalFS) ListDir(ctx context.Context, path string) ([]types.FileInfo, error) {
	full, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	entries := make([]types.FileInfo, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		rel, _ := f.Rel(filepath.Join(full, d.Name()))
		entries = append(entries, fileInfo(info, rel))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// MakeDir creates a directory, and its parents when recursive is set.
func (f *LocalFS) MakeDir(ctx context.Context, path string, recursive bool) error {
	full, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if recursive {
		err = os.MkdirAll(full, 0755)
	} else {
		err = os.Mkdir(full, 0755)
	}
	if err != nil && !(errors.Is(err, fs.ErrExist) && isDir(full)) {
		return fmt.Errorf("failed to mkdir %s: %w", path, err)
	}
	return nil
}

// Remove removes a file or directory tree. The root itself is never removed.
func (f *LocalFS) Remove(ctx context.Context, path string) error {
	full, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if full == f.root {
		return fmt.Errorf("%w: refusing to remove root", ErrOutsideRoot)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Exists checks if a path exists in the workspace.
func (f *LocalFS) Exists(ctx context.Context, path string) (bool, error) {
	full, err := f.Resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, err
}

// Stat returns file info for a workspace path.
func (f *LocalFS) Stat(ctx context.Context, path string) (*types.FileInfo, error) {
	full, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	rel, _ := f.Rel(full)
	fi := fileInfo(info, rel)
	return &fi, nil
}

func fileInfo(info fs.FileInfo, rel string) types.FileInfo {
	return types.FileInfo{
		Name:    info.Name(),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		Mode:    fmt.Sprintf("%o", info.Mode().Perm()),
		ModTime: fmt.Sprintf("%d", info.ModTime().Unix()),
		Path:    rel,
	}
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
