// Package workspace keeps the in-memory file tree of the sandbox workspace in
// step with its filesystem. Streamed model edits, HTTP edits and changes made
// from the shell all converge here.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/pkg/types"
)

// ErrInvalidPath is returned for empty paths and paths that climb out of the
// workspace.
var ErrInvalidPath = errors.New("workspace: invalid path")

// ErrNotFound is returned when a path has no entry.
var ErrNotFound = errors.New("workspace: not found")

// DefaultMaxFileSize is the largest file whose content Load keeps in memory.
const DefaultMaxFileSize = 1 << 20

// Directories Load does not descend into.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	".next":        true,
}

// FS is the sandbox filesystem behind the store. *sandbox.LocalFS implements it.
type FS interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	MakeDir(ctx context.Context, path string, recursive bool) error
	Remove(ctx context.Context, path string) error
	ListDir(ctx context.Context, path string) ([]types.FileInfo, error)
}

// Options configures a Store.
type Options struct {
	MaxFileSize int
	Logger      *zap.Logger
}

// Store is the workspace file tree. Writes are last-writer-wins.
type Store struct {
	fs      FS
	maxSize int
	log     *zap.Logger

	mu      sync.RWMutex
	entries map[string]types.FileEntry
	version uint64 // bumped on every change to the tree
}

// NewStore returns an empty store over fs. Call Load to hydrate it.
func NewStore(fs FS, opts Options) *Store {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		fs:      fs,
		maxSize: opts.MaxFileSize,
		log:     opts.Logger,
		entries: make(map[string]types.FileEntry),
	}
}

// Clean normalises p to a slash-separated path relative to the workspace
// root. A leading slash is accepted; ".." segments are not.
func Clean(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = strings.TrimLeft(p, "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	p = path.Clean(p)
	if p == "." || p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	return p, nil
}

// WriteFile creates or replaces a file, creating its parent directories on
// disk and in the tree.
func (s *Store) WriteFile(ctx context.Context, p, content string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if dir := path.Dir(p); dir != "." {
		if err := s.fs.MakeDir(ctx, dir, true); err != nil {
			return err
		}
	}
	if err := s.fs.WriteFile(ctx, p, content); err != nil {
		return err
	}

	s.mu.Lock()
	s.addParentsLocked(p)
	s.entries[p] = types.FileEntry{
		Path:    p,
		Type:    types.EntryFile,
		Content: content,
		Size:    int64(len(content)),
	}
	s.version++
	s.mu.Unlock()
	return nil
}

func (s *Store) addParentsLocked(p string) {
	for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
		if _, ok := s.entries[dir]; ok {
			return
		}
		s.entries[dir] = types.FileEntry{Path: dir, Type: types.EntryDirectory}
	}
}

func (s *Store) addDirLocked(dir string) {
	s.addParentsLocked(dir)
	if _, ok := s.entries[dir]; !ok {
		s.entries[dir] = types.FileEntry{Path: dir, Type: types.EntryDirectory}
	}
}

// ReadFile returns a file's content, reading through to the filesystem for
// files the tree holds without content.
func (s *Store) ReadFile(ctx context.Context, p string) (string, error) {
	p, err := Clean(p)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	e, ok := s.entries[p]
	s.mu.RUnlock()
	if ok && e.Type == types.EntryDirectory {
		return "", fmt.Errorf("%w: %s is a directory", ErrInvalidPath, p)
	}
	if ok && int64(len(e.Content)) == e.Size {
		return e.Content, nil
	}
	content, err := s.fs.ReadFile(ctx, p)
	if err != nil {
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return "", err
	}
	return content, nil
}

// Get returns the entry for p.
func (s *Store) Get(p string) (types.FileEntry, bool) {
	p, err := Clean(p)
	if err != nil {
		return types.FileEntry{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[p]
	return e, ok
}

// List returns every entry sorted by path, without file content.
func (s *Store) List() []types.FileEntry {
	s.mu.RLock()
	out := make([]types.FileEntry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Content = ""
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Files returns the paths of all file entries, sorted.
func (s *Store) Files() []string {
	s.mu.RLock()
	var out []string
	for p, e := range s.entries {
		if e.Type == types.EntryFile {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Remove deletes a file or directory tree.
func (s *Store) Remove(ctx context.Context, p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(ctx, p); err != nil {
		return err
	}
	s.forget(p)
	return nil
}

// MakeDir creates a directory and its parents.
func (s *Store) MakeDir(ctx context.Context, p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if err := s.fs.MakeDir(ctx, p, true); err != nil {
		return err
	}
	s.mu.Lock()
	s.addDirLocked(p)
	s.version++
	s.mu.Unlock()
	return nil
}

// Version returns a counter that changes whenever the tree does.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Children returns the direct entries of dir, without content, directories
// first. An empty dir or "/" lists the workspace root.
func (s *Store) Children(dir string) ([]types.FileEntry, error) {
	parent := "."
	if d := strings.Trim(strings.TrimSpace(dir), "/"); d != "" && d != "." {
		var err error
		if parent, err = Clean(d); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	if parent != "." {
		e, ok := s.entries[parent]
		if !ok {
			s.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, parent)
		}
		if e.Type != types.EntryDirectory {
			s.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, parent)
		}
	}
	var out []types.FileEntry
	for p, e := range s.entries {
		if path.Dir(p) == parent {
			e.Content = ""
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type == types.EntryDirectory
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (s *Store) forget(p string) {
	prefix := p + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	delete(s.entries, p)
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
}

// Load replaces the tree with the current filesystem contents.
func (s *Store) Load(ctx context.Context) error {
	entries := make(map[string]types.FileEntry)
	if err := s.walk(ctx, "", entries); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = entries
	s.version++
	s.mu.Unlock()
	s.log.Info("workspace loaded", zap.Int("entries", len(entries)))
	return nil
}

func (s *Store) walk(ctx context.Context, dir string, into map[string]types.FileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := s.fs.ListDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		p := fi.Name
		if dir != "" {
			p = dir + "/" + fi.Name
		}
		if fi.IsDir {
			into[p] = types.FileEntry{Path: p, Type: types.EntryDirectory}
			if skipDirs[fi.Name] {
				continue
			}
			if err := s.walk(ctx, p, into); err != nil {
				return err
			}
			continue
		}
		e, err := s.readEntry(ctx, p, fi.Size)
		if err != nil {
			s.log.Warn("skipping unreadable file", zap.String("path", p), zap.Error(err))
			continue
		}
		into[p] = e
	}
	return nil
}

func (s *Store) readEntry(ctx context.Context, p string, size int64) (types.FileEntry, error) {
	e := types.FileEntry{Path: p, Type: types.EntryFile, Size: size}
	if size > int64(s.maxSize) {
		return e, nil
	}
	content, err := s.fs.ReadFile(ctx, p)
	if err != nil {
		return e, err
	}
	e.Content = content
	e.Size = int64(len(content))
	return e, nil
}

// Refresh re-reads p from the filesystem after an outside change. A path
// that no longer exists is dropped from the tree.
func (s *Store) Refresh(ctx context.Context, p string, isDir bool) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if isDir {
		s.mu.Lock()
		s.addDirLocked(p)
		s.version++
		s.mu.Unlock()
		return nil
	}
	content, err := s.fs.ReadFile(ctx, p)
	if err != nil {
		s.forget(p)
		return nil
	}
	e := types.FileEntry{Path: p, Type: types.EntryFile, Size: int64(len(content))}
	if len(content) <= s.maxSize {
		e.Content = content
	}
	s.mu.Lock()
	s.addParentsLocked(p)
	s.entries[p] = e
	s.version++
	s.mu.Unlock()
	return nil
}
