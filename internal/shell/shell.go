// Package shell wraps one long-lived interactive shell process. It pipes the
// process output to whichever terminal surface is attached, gates keystrokes
// until the shell announces it is interactive, and runs commands one at a
// time by waiting for the prompt control code that follows each of them.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/internal/osc"
	"github.com/opensandbox/boltshell/internal/termclean"
	"github.com/opensandbox/boltshell/pkg/types"
)

var (
	ErrNotInitialized     = errors.New("shell: not initialized")
	ErrAlreadyInitialized = errors.New("shell: already initialized")
	ErrClosed             = errors.New("shell: closed")
)

const readBufferSize = 32 * 1024

// Options configures a Shell. The zero value is usable.
type Options struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// PromptMarker is redrawn on the terminal when an empty command is run.
	PromptMarker string
	// Scrollback is the replay buffer size in bytes. Negative disables it.
	Scrollback int
	// InterruptSettle bounds the wait for the extra prompt an interrupt
	// produces when the command it targeted had already finished.
	InterruptSettle time.Duration

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.PromptMarker == "" {
		o.PromptMarker = "$ "
	}
	if o.Scrollback == 0 {
		o.Scrollback = DefaultScrollback
	}
	if o.InterruptSettle <= 0 {
		o.InterruptSettle = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Shell is a single interactive shell process and its attached terminal.
type Shell struct {
	opts Options
	log  *zap.Logger

	// execMu serializes the interrupt-and-start phase of ExecuteCommand.
	execMu sync.Mutex

	mu          sync.Mutex
	state       State
	proc        Process
	term        Terminal
	cancelInput func()
	interactive bool
	primed      bool // startup prompt seen
	closing     bool
	cols, rows  int
	current     *execution
	lastExit    int
	waiters     map[*promptWaiter]struct{}
	scrollback  *ring

	ready  chan struct{} // closed on the first prompt after the interactive event
	exited chan struct{} // closed once the output reader has finished
}

// New returns an uninitialized Shell.
func New(opts Options) *Shell {
	opts.defaults()
	return &Shell{
		opts:       opts,
		log:        opts.Logger,
		cols:       DefaultCols,
		rows:       DefaultRows,
		lastExit:   types.ExitCodeUnknown,
		waiters:    make(map[*promptWaiter]struct{}),
		scrollback: newRing(opts.Scrollback),
		ready:      make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

// Init spawns the shell sized to term and binds term to it. It returns once
// the shell has drawn its first prompt after reporting it is interactive,
// the process exits, or ctx is done. Keystrokes are forwarded as soon as the
// interactive event arrives.
// A spawn failure is reported on term and leaves the Shell unusable.
func (s *Shell) Init(ctx context.Context, rt Runtime, term Terminal) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("init in state %s: %w", st, ErrAlreadyInitialized)
	}
	s.state = StateSpawning
	s.term = term
	s.mu.Unlock()

	cols, rows := DefaultCols, DefaultRows
	if term != nil {
		if c, r := term.Size(); c > 0 && r > 0 {
			cols, rows = c, r
		}
	}

	proc, err := rt.Spawn(ctx, SpawnOptions{
		Path: s.opts.Path,
		Args: s.opts.Args,
		Env:  s.opts.Env,
		Dir:  s.opts.Dir,
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		metrics.ShellSpawnsTotal.WithLabelValues("error").Inc()
		s.log.Error("failed to spawn shell", zap.Error(err))
		if term != nil {
			term.Write(termclean.Banner(termclean.Red, "Failed to spawn shell: "+err.Error()))
		}
		s.mu.Lock()
		s.state = StateDisposed
		s.term = nil
		s.mu.Unlock()
		return fmt.Errorf("spawn shell: %w", err)
	}
	metrics.ShellSpawnsTotal.WithLabelValues("ok").Inc()

	var cancel func()
	if term != nil {
		cancel = term.OnData(s.handleInput)
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		// Closed while spawning.
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = proc.Kill()
		return ErrClosed
	}
	s.proc = proc
	s.cols, s.rows = cols, rows
	s.cancelInput = cancel
	s.mu.Unlock()

	s.log.Info("shell spawned", zap.Int("cols", cols), zap.Int("rows", rows))
	go s.readLoop(proc)

	select {
	case <-s.ready:
		return nil
	case <-s.exited:
		return fmt.Errorf("shell exited before becoming interactive: %w", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach rebinds a running shell to a new terminal without respawning it.
// Buffered scrollback is replayed to the new terminal first.
func (s *Shell) Attach(term Terminal) error {
	s.mu.Lock()
	if s.proc == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.cancelInput
	s.cancelInput = nil
	s.term = term
	if replay := s.scrollback.contents(); len(replay) > 0 {
		term.Write(string(replay))
	}
	s.mu.Unlock()

	if old != nil {
		old()
	}
	cancel := term.OnData(s.handleInput)

	s.mu.Lock()
	if s.term == term {
		s.cancelInput = cancel
		cancel = nil
	}
	s.mu.Unlock()
	if cancel != nil {
		// Replaced by another Attach in the meantime.
		cancel()
		return nil
	}

	if c, r := term.Size(); c > 0 && r > 0 {
		return s.Resize(c, r)
	}
	return nil
}

// Detach unbinds the current terminal. The process keeps running and its
// output keeps filling the scrollback.
func (s *Shell) Detach() {
	s.mu.Lock()
	cancel := s.cancelInput
	s.cancelInput = nil
	s.term = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resize records the dimensions and forwards them to the live process.
func (s *Shell) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	proc := s.proc
	live := s.state != StateDisposed
	s.mu.Unlock()

	if proc == nil || !live {
		return nil
	}
	if err := proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize shell: %w", err)
	}
	return nil
}

// Close kills the process and detaches the terminal. Disposing the terminal
// is left to its owner.
func (s *Shell) Close() error {
	s.mu.Lock()
	s.state = StateDisposed
	s.closing = true
	proc := s.proc
	cancel := s.cancelInput
	s.cancelInput = nil
	s.term = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc == nil {
		return nil
	}
	err := proc.Kill()
	<-s.exited
	if err != nil {
		return fmt.Errorf("kill shell: %w", err)
	}
	return nil
}

// State reports the lifecycle state.
func (s *Shell) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interactive reports whether the shell has announced it accepts keystrokes.
func (s *Shell) Interactive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactive
}

// Running reports whether a command is executing.
func (s *Shell) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateExecuting
}

// Attached reports whether a terminal is bound.
func (s *Shell) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term != nil
}

// Size returns the last known terminal dimensions.
func (s *Shell) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Exited is closed once the process is gone.
func (s *Shell) Exited() <-chan struct{} {
	return s.exited
}

// WriteTerminal writes directly to the attached terminal, if any.
func (s *Shell) WriteTerminal(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.term != nil {
		s.term.Write(data)
	}
}

func (s *Shell) handleInput(data string) {
	s.mu.Lock()
	proc, ok := s.proc, s.interactive && s.state != StateDisposed
	s.mu.Unlock()
	if !ok || proc == nil {
		return
	}
	if _, err := io.WriteString(proc.Input(), data); err != nil {
		s.log.Debug("dropping terminal input", zap.Error(err))
	}
}

func (s *Shell) readLoop(proc Process) {
	defer close(s.exited)

	dec := osc.NewDecoder()
	buf := make([]byte, readBufferSize)
	out := proc.Output()
	var held []byte
	for {
		n, err := out.Read(buf)
		if n > 0 {
			held = s.consume(dec.Feed(buf[:n]), held)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("shell output closed", zap.Error(err))
			}
			break
		}
	}
	s.processExited(proc, held)
}

// consume applies decoded tokens and forwards text to the terminal. It returns
// the bytes of an incomplete rune to prepend to the next read.
func (s *Shell) consume(tokens []osc.Token, held []byte) []byte {
	display := held
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range tokens {
		switch tok.Kind {
		case osc.Text:
			display = append(display, tok.Data...)
			if cur := s.current; cur != nil && !cur.finished {
				cur.output.Write(tok.Data)
			}
		case osc.Interactive:
			if !s.interactive {
				s.interactive = true
				s.log.Debug("shell interactive")
			}
		case osc.Exit:
			s.lastExit = tok.Code
		case osc.Prompt:
			code := s.lastExit
			s.lastExit = types.ExitCodeUnknown
			if !s.primed {
				// The startup prompt belongs to no command.
				if s.interactive {
					s.primed = true
					close(s.ready)
					if s.state == StateSpawning {
						s.state = StateIdle
					}
				}
				continue
			}
			for w := range s.waiters {
				w.notify(code)
			}
			if cur := s.current; cur != nil && !cur.finished {
				s.finishLocked(cur, code)
			}
		}
	}

	hold := incompleteUTF8Tail(display)
	complete := display[:len(display)-hold]
	if len(complete) > 0 {
		s.scrollback.write(complete)
		if s.term != nil {
			s.term.Write(string(complete))
		}
	}
	if hold == 0 {
		return nil
	}
	return append([]byte(nil), display[len(display)-hold:]...)
}

func (s *Shell) processExited(proc Process, held []byte) {
	code := types.ExitCodeUnknown
	select {
	case <-proc.Done():
		code = proc.ExitCode()
	case <-time.After(2 * time.Second):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current; cur != nil && !cur.finished {
		s.finishLocked(cur, types.ExitCodeUnknown)
	}
	s.state = StateDisposed
	if s.term != nil {
		if len(held) > 0 {
			s.term.Write(string(held))
		}
		if !s.closing {
			s.term.Write(termclean.Banner(termclean.Yellow, fmt.Sprintf("Shell exited with code %d", code)))
		}
	}
	s.log.Info("shell exited", zap.Int("exit_code", code), zap.Bool("closed", s.closing))
}
