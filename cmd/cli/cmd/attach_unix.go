//go:build !windows

package cmd

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// watchResize calls fn with the new terminal size on every SIGWINCH.
func watchResize(ctx context.Context, fn func(cols, rows int)) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					fn(cols, rows)
				}
			}
		}
	}()
	return func() { signal.Stop(ch) }
}
