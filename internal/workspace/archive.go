package workspace

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/boltshell/pkg/types"
)

// Archive writes every file in the tree to w as a zstd-compressed tar and
// returns the number of files written. Content is read from the filesystem
// so files too large for the tree are included.
func (s *Store) Archive(ctx context.Context, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	now := time.Now()
	files := 0
	for _, e := range s.List() {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return files, err
		}
		hdr := &tar.Header{Name: e.Path, ModTime: now}
		if e.Type == types.EntryDirectory {
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			hdr.Mode = 0755
			if err := tw.WriteHeader(hdr); err != nil {
				zw.Close()
				return files, fmt.Errorf("write tar header: %w", err)
			}
			continue
		}
		content, err := s.ReadFile(ctx, e.Path)
		if err != nil {
			zw.Close()
			return files, err
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0644
		hdr.Size = int64(len(content))
		if err := tw.WriteHeader(hdr); err != nil {
			zw.Close()
			return files, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			zw.Close()
			return files, fmt.Errorf("write %s: %w", e.Path, err)
		}
		files++
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return files, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("close zstd: %w", err)
	}
	return files, nil
}

// Restore writes the files of an archive produced by Archive into the
// workspace, over whatever is already there, and returns the number of files
// restored. Entries with invalid paths are rejected.
func (s *Store) Restore(ctx context.Context, r io.Reader) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read tar: %w", err)
		}
		name, err := Clean(hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := s.fs.MakeDir(ctx, name, true); err != nil {
				return files, err
			}
			s.mu.Lock()
			s.addDirLocked(name)
			s.mu.Unlock()
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return files, fmt.Errorf("read %s: %w", name, err)
			}
			if err := s.WriteFile(ctx, name, string(data)); err != nil {
				return files, err
			}
			files++
		}
	}
}
