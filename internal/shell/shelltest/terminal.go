package shelltest

import (
	"strings"
	"sync"
)

// Terminal is an in-memory shell.Terminal that records everything written
// to it and lets tests type keystrokes.
type Terminal struct {
	mu       sync.Mutex
	cols     int
	rows     int
	writes   []string
	handlers map[int]func(string)
	next     int
	disposed bool
}

// NewTerminal returns a terminal of the given size. Zero dimensions make the
// shell fall back to its defaults.
func NewTerminal(cols, rows int) *Terminal {
	return &Terminal{cols: cols, rows: rows, handlers: make(map[int]func(string))}
}

func (t *Terminal) Write(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, data)
}

func (t *Terminal) OnData(fn func(string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.handlers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

func (t *Terminal) Size() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

func (t *Terminal) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
}

// SetSize changes the reported dimensions.
func (t *Terminal) SetSize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols, t.rows = cols, rows
}

// Type delivers keystrokes to every subscriber.
func (t *Terminal) Type(data string) {
	t.mu.Lock()
	fns := make([]func(string), 0, len(t.handlers))
	for _, fn := range t.handlers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// Subscribers returns the number of live OnData subscriptions.
func (t *Terminal) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

// Writes returns each Write call in order.
func (t *Terminal) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// Output returns everything written so far.
func (t *Terminal) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.writes, "")
}

// Disposed reports whether Dispose was called.
func (t *Terminal) Disposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}
