package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/internal/termclean"
	"github.com/opensandbox/boltshell/pkg/types"
)

const (
	interruptByte = 0x03
	// exitInterrupted is the status bash reports after SIGINT.
	exitInterrupted = 130
)

type execution struct {
	id        string
	sessionID string
	command   string
	abort     func()
	started   time.Time

	// Guarded by Shell.mu.
	output   bytes.Buffer
	exitCode int
	finished bool
	done     chan struct{}
}

type promptWaiter struct {
	prompts chan int
}

func (w *promptWaiter) notify(code int) {
	select {
	case w.prompts <- code:
	default:
	}
}

// ExecOption customizes a single ExecuteCommand call.
type ExecOption func(*execOptions)

type execOptions struct {
	abort func()
}

// WithAbort registers a hook called when a later command interrupts this one.
func WithAbort(fn func()) ExecOption {
	return func(o *execOptions) { o.abort = fn }
}

// ExecuteCommand writes command to the shell and waits for the prompt that
// follows it. An execution still in flight is interrupted first and settles
// before command is written, so executions resolve in submission order.
//
// If ctx ends before the prompt arrives, the command keeps running and the
// next ExecuteCommand interrupts it.
func (s *Shell) ExecuteCommand(ctx context.Context, sessionID, command string, opts ...ExecOption) (*types.ExecResult, error) {
	var eo execOptions
	for _, o := range opts {
		o(&eo)
	}

	s.mu.Lock()
	proc, state := s.proc, s.state
	s.mu.Unlock()
	if proc == nil {
		return nil, ErrNotInitialized
	}
	if state == StateDisposed {
		return nil, ErrClosed
	}

	select {
	case <-s.ready:
	case <-s.exited:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	command = strings.TrimSpace(command)
	if command == "" {
		s.WriteTerminal("\r\n" + s.opts.PromptMarker)
		return &types.ExecResult{SessionID: sessionID, ExitCode: 0}, nil
	}

	e, err := s.start(ctx, proc, sessionID, command, eo.abort)
	if err != nil {
		return nil, err
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
		s.log.Warn("command still running after caller gave up",
			zap.String("session", sessionID),
			zap.String("exec_id", e.id),
			zap.Error(ctx.Err()))
		return nil, fmt.Errorf("execute %q: %w", command, ctx.Err())
	}
	return s.result(e), nil
}

// start runs the serialized phase: interrupt the in-flight execution, wait
// for it to settle, register the new one and write it to the shell.
func (s *Shell) start(ctx context.Context, proc Process, sessionID, command string, abort func()) (*execution, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()

	if prev != nil {
		if err := s.interrupt(ctx, proc, prev); err != nil {
			return nil, err
		}
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e := &execution{
		id:        uuid.NewString(),
		sessionID: sessionID,
		command:   command,
		abort:     abort,
		started:   time.Now(),
		exitCode:  types.ExitCodeUnknown,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.current = e
	s.state = StateExecuting
	s.lastExit = types.ExitCodeUnknown
	s.mu.Unlock()

	s.log.Debug("executing command",
		zap.String("session", sessionID),
		zap.String("exec_id", e.id),
		zap.String("command", command))

	if _, err := io.WriteString(proc.Input(), command+"\n"); err != nil {
		s.mu.Lock()
		s.finishLocked(e, types.ExitCodeUnknown)
		s.mu.Unlock()
		return nil, fmt.Errorf("write command: %w", err)
	}
	return e, nil
}

// interrupt sends Ctrl-C to an unfinished execution and waits for the prompt
// it produces. It is a no-op when prev has already finished.
func (s *Shell) interrupt(ctx context.Context, proc Process, prev *execution) error {
	w := &promptWaiter{prompts: make(chan int, 4)}
	s.mu.Lock()
	if prev.finished {
		s.mu.Unlock()
		return nil
	}
	s.waiters[w] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
	}()

	s.log.Info("interrupting running command",
		zap.String("session", prev.sessionID),
		zap.String("exec_id", prev.id))
	metrics.InterruptsTotal.Inc()
	if prev.abort != nil {
		prev.abort()
	}
	if _, err := proc.Input().Write([]byte{interruptByte}); err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}

	var code int
	select {
	case code = <-w.prompts:
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	if code == exitInterrupted {
		return nil
	}

	// The command finished on its own just before Ctrl-C landed, so the
	// interrupt redraws one more prompt at the idle shell.
	timer := time.NewTimer(s.opts.InterruptSettle)
	defer timer.Stop()
	select {
	case <-w.prompts:
	case <-timer.C:
	case <-s.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// finishLocked resolves e. Callers hold s.mu.
func (s *Shell) finishLocked(e *execution, code int) {
	if e.finished {
		return
	}
	e.finished = true
	e.exitCode = code
	close(e.done)
	if s.current == e && s.state == StateExecuting {
		s.state = StateIdle
	}
}

func (s *Shell) result(e *execution) *types.ExecResult {
	s.mu.Lock()
	raw := e.output.String()
	code := e.exitCode
	s.mu.Unlock()

	elapsed := time.Since(e.started)
	metrics.ExecDuration.Observe(elapsed.Seconds())
	metrics.ExecutionsTotal.WithLabelValues(resultLabel(code)).Inc()
	s.log.Debug("command finished",
		zap.String("session", e.sessionID),
		zap.String("exec_id", e.id),
		zap.Int("exit_code", code),
		zap.Duration("elapsed", elapsed))

	return &types.ExecResult{
		SessionID:  e.sessionID,
		Output:     dropEcho(termclean.Clean(raw), e.command),
		ExitCode:   code,
		DurationMs: elapsed.Milliseconds(),
	}
}

// dropEcho removes the shell's echo of the command line from cleaned output.
func dropEcho(out, command string) string {
	first, rest, _ := strings.Cut(out, "\n")
	if first == command || first == termclean.Clean(command) {
		return rest
	}
	return out
}

func resultLabel(code int) string {
	switch code {
	case 0:
		return "ok"
	case exitInterrupted:
		return "interrupted"
	case types.ExitCodeUnknown:
		return "lost"
	}
	return "error"
}
