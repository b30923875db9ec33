package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher feeds changes made to the workspace directory from outside the
// store (the shell, editors, package managers) back into the store.
type Watcher struct {
	store    *Store
	root     string
	debounce time.Duration
	log      *zap.Logger
	ready    chan struct{}
}

// NewWatcher watches root, the directory store's filesystem is rooted at.
func NewWatcher(store *Store, root string, debounce time.Duration, log *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		store:    store,
		root:     filepath.Clean(root),
		debounce: debounce,
		log:      log,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the initial directory watches are in place.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.root); err != nil {
		return err
	}
	close(w.ready)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDirs[filepath.Base(event.Name)] {
					if err := w.addRecursive(fsw, event.Name); err != nil {
						w.log.Debug("watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}

		case <-fire:
			timer, fire = nil, nil
			w.flush(ctx, pending)
			pending = make(map[string]struct{})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("workspace watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]struct{}) {
	for name := range pending {
		rel, err := filepath.Rel(w.root, name)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		info, err := os.Stat(name)
		isDir := err == nil && info.IsDir()
		if err := w.store.Refresh(ctx, filepath.ToSlash(rel), isDir); err != nil {
			w.log.Debug("refresh", zap.String("path", rel), zap.Error(err))
		}
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return fsw.Add(p)
	})
}
