package workspace

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opensandbox/boltshell/pkg/types"
)

// SnapshotStore keeps workspace archives. *storage.SnapshotStore implements it.
type SnapshotStore interface {
	Upload(ctx context.Context, key string, r io.Reader) (int64, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// Snapshot streams an archive of the workspace into st under key.
func (s *Store) Snapshot(ctx context.Context, st SnapshotStore, key string) (*types.SnapshotResult, error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var files int
	var size int64
	g.Go(func() error {
		n, err := s.Archive(gctx, pw)
		files = n
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		n, err := st.Upload(gctx, key, pr)
		size = n
		// Unblocks the archiver when the upload gave up early.
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", key, err)
	}

	s.log.Info("workspace snapshot saved",
		zap.String("key", key),
		zap.Int("files", files),
		zap.Int64("bytes", size))
	return &types.SnapshotResult{Key: key, SizeBytes: size, Files: files}, nil
}

// RestoreSnapshot downloads the archive under key, writes it into the
// workspace and reloads the tree from disk.
func (s *Store) RestoreSnapshot(ctx context.Context, st SnapshotStore, key string) (*types.SnapshotResult, error) {
	rc, err := st.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	files, err := s.Restore(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", key, err)
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return &types.SnapshotResult{Key: key, Files: files}, nil
}
