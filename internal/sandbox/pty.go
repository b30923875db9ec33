package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	ptylib "github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/opensandbox/boltshell/internal/osc"
	"github.com/opensandbox/boltshell/internal/shell"
)

// rcShim is loaded by bash in place of the user's rcfile. It announces the
// interactive shell once and reports every command's exit code followed by a
// prompt marker through OSC 654. The first PROMPT_COMMAND run draws the
// startup prompt.
var rcShim = strings.ReplaceAll(`[ -f "$HOME/.bashrc" ] && . "$HOME/.bashrc"
__bolt_prompt() {
  local code=$?
  printf '\033]OSC;exit=%s\007\033]OSC;prompt\007' "$code"
  return $code
}
PROMPT_COMMAND="__bolt_prompt${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
PS1='$ '
printf '\033]OSC;interactive\007'
`, "OSC", osc.Number)

const defaultKillGrace = 3 * time.Second

// PTYRuntime starts interactive bash shells on local pseudo-terminals.
type PTYRuntime struct {
	shellPath string
	dir       string
	env       []string
	rcDir     string
	killGrace time.Duration
	log       *zap.Logger
}

// PTYOptions configures a PTYRuntime.
type PTYOptions struct {
	ShellPath string // default /bin/bash
	Dir       string // working directory of spawned shells
	Env       []string
	// RCDir holds the generated rcfiles. Defaults to os.TempDir().
	RCDir string
	// KillGrace is how long Kill waits after SIGHUP before SIGKILL.
	KillGrace time.Duration
	Logger    *zap.Logger
}

// NewPTYRuntime creates a runtime spawning shells per opts.
func NewPTYRuntime(opts PTYOptions) *PTYRuntime {
	if opts.ShellPath == "" {
		opts.ShellPath = "/bin/bash"
	}
	if opts.RCDir == "" {
		opts.RCDir = os.TempDir()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &PTYRuntime{
		shellPath: opts.ShellPath,
		dir:       opts.Dir,
		env:       opts.Env,
		rcDir:     opts.RCDir,
		killGrace: opts.KillGrace,
		log:       opts.Logger,
	}
}

// Spawn starts a shell with a real pseudo-terminal. The context only bounds
// the start; the shell outlives it.
func (r *PTYRuntime) Spawn(ctx context.Context, opts shell.SpawnOptions) (shell.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = shell.DefaultCols
	}
	if rows <= 0 {
		rows = shell.DefaultRows
	}

	path := opts.Path
	if path == "" {
		path = r.shellPath
	}
	rc, err := writeRCFile(r.rcDir)
	if err != nil {
		return nil, err
	}
	args := opts.Args
	if len(args) == 0 {
		args = []string{"--noprofile", "--rcfile", rc, "-i"}
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	if cmd.Dir == "" {
		cmd.Dir = r.dir
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, r.env...)
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		os.Remove(rc)
		return nil, fmt.Errorf("failed to start PTY session: %w", err)
	}

	p := &ptyProcess{
		cmd:   cmd,
		pty:   ptmx,
		done:  make(chan struct{}),
		grace: r.killGrace,
	}
	r.log.Debug("shell spawned",
		zap.String("path", path),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("cols", cols),
		zap.Int("rows", rows))

	go func() {
		_ = cmd.Wait()
		p.exitCode = exitCode(cmd.ProcessState)
		os.Remove(rc)
		ptmx.Close()
		close(p.done)
	}()
	return p, nil
}

func writeRCFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create rc dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "boltshell-*.rc")
	if err != nil {
		return "", fmt.Errorf("failed to create rcfile: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(rcShim); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write rcfile: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

type ptyProcess struct {
	cmd      *exec.Cmd
	pty      *os.File // master side of the pseudo-terminal (read + write)
	done     chan struct{}
	exitCode int
	grace    time.Duration

	killOnce sync.Once
	killErr  error
}

func (p *ptyProcess) Input() io.Writer      { return p.pty }
func (p *ptyProcess) Output() io.Reader     { return p.pty }
func (p *ptyProcess) Done() <-chan struct{} { return p.done }

func (p *ptyProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *ptyProcess) Resize(cols, rows int) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return ptylib.Setsize(p.pty, &ptylib.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Kill hangs up the shell's process group and escalates to SIGKILL when it
// has not exited within the grace period. Interactive bash ignores SIGTERM.
func (p *ptyProcess) Kill() error {
	p.killOnce.Do(func() {
		p.killErr = p.kill()
	})
	return p.killErr
}

func (p *ptyProcess) kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	// The shell leads its own session, so its pid is the process group id.
	pgid := -p.cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGHUP); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("hang up shell: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill shell: %w", err)
	}
	<-p.done
	return nil
}
