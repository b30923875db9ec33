// Package shelltest provides an in-memory shell runtime and terminal for tests.
//
// The fake process behaves like the sandbox bash shim: it announces itself
// interactive on start and draws a startup prompt, echoes each command line, and follows every command
// with an exit code and a prompt control code.
//
// Built-in commands:
//
//	echo <text>   prints text, exit 0
//	fail <n>      exit n
//	sleep [...]   runs until interrupted with Ctrl-C (exit 130)
//	crash         the process itself exits with status 1
//
// Anything else prints nothing and exits 0 unless Runtime.Handler overrides it.
package shelltest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/opensandbox/boltshell/internal/osc"
	"github.com/opensandbox/boltshell/internal/shell"
)

// Result is the scripted outcome of one command.
type Result struct {
	Output string
	Code   int
	Block  bool // run until interrupted
	Crash  bool // terminate the process
}

// Runtime is a shell.Runtime that spawns fake processes.
type Runtime struct {
	// Err, when set, is returned by Spawn.
	Err error
	// Quiet processes never announce interactive on their own.
	Quiet bool
	// Handler overrides the built-in commands when it returns ok.
	Handler func(cmd string) (Result, bool)

	mu      sync.Mutex
	spawned []*Process
}

// Spawn implements shell.Runtime.
func (r *Runtime) Spawn(_ context.Context, opts shell.SpawnOptions) (shell.Process, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	p := newProcess(opts, r.Handler)
	r.mu.Lock()
	r.spawned = append(r.spawned, p)
	r.mu.Unlock()
	if !r.Quiet {
		p.Announce()
	}
	return p, nil
}

// Spawned returns every process started so far.
func (r *Runtime) Spawned() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.spawned...)
}

// Last returns the most recently spawned process, or nil.
func (r *Runtime) Last() *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spawned) == 0 {
		return nil
	}
	return r.spawned[len(r.spawned)-1]
}

type outItem struct {
	data []byte
	exit bool
	code int
}

// Process is a scripted interactive shell.
type Process struct {
	Opts shell.SpawnOptions

	handler func(string) (Result, bool)
	outR    *io.PipeReader
	outW    *io.PipeWriter
	outq    chan outItem
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	input    []byte
	line     []byte
	commands []string
	running  chan struct{}
	cols     int
	rows     int
	exitCode int
	killed   bool
}

func newProcess(opts shell.SpawnOptions, handler func(string) (Result, bool)) *Process {
	r, w := io.Pipe()
	p := &Process{
		Opts:     opts,
		handler:  handler,
		outR:     r,
		outW:     w,
		outq:     make(chan outItem, 256),
		done:     make(chan struct{}),
		cols:     opts.Cols,
		rows:     opts.Rows,
		exitCode: -1,
	}
	go p.pump()
	return p
}

func (p *Process) pump() {
	defer p.outW.Close()
	for {
		select {
		case it := <-p.outq:
			if it.exit {
				p.finish(it.code)
				return
			}
			if _, err := p.outW.Write(it.data); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Process) finish(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *Process) enqueue(it outItem) {
	select {
	case p.outq <- it:
	case <-p.done:
	}
}

// Emit writes raw bytes to the process output.
func (p *Process) Emit(data string) {
	p.enqueue(outItem{data: []byte(data)})
}

// Announce emits the interactive control code followed by the startup prompt
// bash draws before any command has run.
func (p *Process) Announce() {
	p.Emit(osc.Encode(osc.Interactive, 0) + complete("", 0))
}

// Exit terminates the process with code after flushing queued output.
func (p *Process) Exit(code int) {
	p.enqueue(outItem{exit: true, code: code})
}

func complete(output string, code int) string {
	return output + osc.Encode(osc.Exit, code) + osc.Encode(osc.Prompt, 0) + "$ "
}

// Input implements shell.Process.
func (p *Process) Input() io.Writer { return processInput{p} }

// Output implements shell.Process.
func (p *Process) Output() io.Reader { return p.outR }

// Done implements shell.Process.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode implements shell.Process.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Resize implements shell.Process.
func (p *Process) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

// Kill implements shell.Process.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(137)
	_ = p.outW.Close()
	return nil
}

// Size returns the current pseudo-terminal size.
func (p *Process) Size() (cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// InputBytes returns every byte written to the process.
func (p *Process) InputBytes() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

// Commands returns the command lines received, in order.
func (p *Process) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// Running reports whether a blocking command is in progress.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running != nil
}

type processInput struct{ p *Process }

func (w processInput) Write(b []byte) (int, error) {
	p := w.p
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, c := range b {
		p.mu.Lock()
		p.input = append(p.input, c)
		p.mu.Unlock()
		switch c {
		case 0x03:
			p.interrupt()
		case '\r', '\n':
			p.mu.Lock()
			line := string(p.line)
			p.line = p.line[:0]
			p.mu.Unlock()
			p.run(line)
		default:
			p.mu.Lock()
			p.line = append(p.line, c)
			p.mu.Unlock()
		}
	}
	return len(b), nil
}

func (p *Process) interrupt() {
	p.mu.Lock()
	running := p.running
	p.running = nil
	p.line = p.line[:0]
	p.mu.Unlock()
	if running != nil {
		close(running)
		return
	}
	p.Emit(complete("^C\r\n", 130))
}

func (p *Process) run(line string) {
	cmd := strings.TrimSpace(line)
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	p.mu.Unlock()
	p.Emit(line + "\r\n")
	if cmd == "" {
		p.Emit(complete("", 0))
		return
	}

	res := p.result(cmd)
	switch {
	case res.Crash:
		p.Emit(res.Output)
		p.Exit(1)
	case res.Block:
		cancel := make(chan struct{})
		p.mu.Lock()
		p.running = cancel
		p.mu.Unlock()
		if res.Output != "" {
			p.Emit(res.Output)
		}
		go func() {
			select {
			case <-cancel:
				p.Emit(complete("^C\r\n", 130))
			case <-p.done:
			}
		}()
	default:
		p.Emit(complete(res.Output, res.Code))
	}
}

func (p *Process) result(cmd string) Result {
	if p.handler != nil {
		if res, ok := p.handler(cmd); ok {
			return res
		}
	}
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case "echo":
		return Result{Output: arg + "\r\n"}
	case "fail":
		code, err := strconv.Atoi(arg)
		if err != nil {
			code = 1
		}
		return Result{Output: fmt.Sprintf("failed with %d\r\n", code), Code: code}
	case "sleep":
		return Result{Block: true}
	case "crash":
		return Result{Output: "bye\r\n", Crash: true}
	}
	return Result{}
}
