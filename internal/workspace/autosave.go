package workspace

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Autosaver periodically snapshots the workspace to object storage. A tick
// with no change to the tree since the last successful save is skipped.
type Autosaver struct {
	store    *Store
	snaps    SnapshotStore
	key      func() string
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	saved uint64
	any   bool

	stop chan struct{}
	done chan struct{}
}

// NewAutosaver creates an autosaver. key names each new snapshot.
func NewAutosaver(store *Store, snaps SnapshotStore, key func() string, interval time.Duration, log *zap.Logger) *Autosaver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Autosaver{
		store:    store,
		snaps:    snaps,
		key:      key,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic backup loop.
func (a *Autosaver) Start() {
	go a.loop()
	a.log.Info("autosave started", zap.Duration("interval", a.interval))
}

// Stop signals the loop to exit, saves once more if the tree changed and
// waits for it to finish.
func (a *Autosaver) Stop() {
	close(a.stop)
	<-a.done
	a.log.Info("autosave stopped")
}

func (a *Autosaver) loop() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.SaveIfChanged(context.Background())
		case <-a.stop:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			a.SaveIfChanged(ctx)
			cancel()
			return
		}
	}
}

// SaveIfChanged snapshots the workspace unless it is unchanged since the
// last save. It reports whether a snapshot was written.
func (a *Autosaver) SaveIfChanged(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.store.Version()
	if a.any && v == a.saved {
		return false
	}
	key := a.key()
	if _, err := a.store.Snapshot(ctx, a.snaps, key); err != nil {
		a.log.Warn("autosave failed", zap.String("key", key), zap.Error(err))
		return false
	}
	a.saved, a.any = v, true
	return true
}
