//go:build windows

package cmd

import (
	"context"
)

// watchResize is a no-op: Windows consoles have no SIGWINCH.
func watchResize(ctx context.Context, fn func(cols, rows int)) func() { return func() {} }
