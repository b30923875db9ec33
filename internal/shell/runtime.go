package shell

import (
	"context"
	"io"
)

// Default terminal dimensions used when the attached surface reports none.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// SpawnOptions describes the interactive shell process to start.
type SpawnOptions struct {
	Path string // runtime default when empty
	Args []string
	Env  []string
	Dir  string
	Cols int
	Rows int
}

// Runtime starts shell processes inside the sandbox.
type Runtime interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// Process is a running interactive shell attached to a pseudo-terminal.
// Output must return an error (usually io.EOF) once the process is gone.
type Process interface {
	Input() io.Writer
	Output() io.Reader
	Done() <-chan struct{}
	// ExitCode is meaningful after Done is closed.
	ExitCode() int
	Resize(cols, rows int) error
	Kill() error
}

// Terminal is a surface that renders shell output and produces keystrokes.
// Write is called with the shell's lock held and must not block or call back
// into the shell.
type Terminal interface {
	Write(data string)
	// OnData subscribes to keystrokes. The returned func cancels the subscription.
	OnData(fn func(data string)) (cancel func())
	Size() (cols, rows int)
	Dispose()
}

// State is the lifecycle state of a Shell.
type State int

const (
	StateUninitialized State = iota
	StateSpawning
	StateIdle
	StateExecuting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSpawning:
		return "spawning"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}
