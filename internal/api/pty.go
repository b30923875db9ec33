package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/pkg/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	outputQueue  = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now; tighten in production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// wsTerminal is a terminal surface backed by a WebSocket speaking JSON
// TerminalFrames. Output is queued and written by a single goroutine.
type wsTerminal struct {
	conn *websocket.Conn
	out  chan types.TerminalFrame
	done chan struct{}

	mu         sync.Mutex
	cols       int
	rows       int
	handlers   map[int]func(string)
	next       int
	disposed   bool
	overflowed bool
}

func newWSTerminal(conn *websocket.Conn, cols, rows int) *wsTerminal {
	return &wsTerminal{
		conn:     conn,
		out:      make(chan types.TerminalFrame, outputQueue),
		done:     make(chan struct{}),
		cols:     cols,
		rows:     rows,
		handlers: make(map[int]func(string)),
	}
}

// Write queues shell output. It runs under the shell's lock, so it never
// waits on the client: when the queue is full the terminal is disposed and
// the client disconnected.
func (t *wsTerminal) Write(data string) {
	select {
	case t.out <- types.TerminalFrame{Type: types.FrameOutput, Data: data}:
	case <-t.done:
	default:
		t.mu.Lock()
		t.overflowed = true
		t.mu.Unlock()
		t.Dispose()
	}
}

// Overflowed reports whether output was dropped because the client fell
// behind.
func (t *wsTerminal) Overflowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overflowed
}

func (t *wsTerminal) send(f types.TerminalFrame) {
	select {
	case t.out <- f:
	case <-t.done:
	}
}

func (t *wsTerminal) OnData(fn func(string)) func() {
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

func (t *wsTerminal) Size() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// Dispose stops the writer. The connection itself is closed by the handler.
func (t *wsTerminal) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.disposed {
		t.disposed = true
		close(t.done)
	}
}

func (t *wsTerminal) input(data string) {
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

func (t *wsTerminal) setSize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols, t.rows = cols, rows
}

// writeLoop owns every write to the connection.
func (t *wsTerminal) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case f := <-t.out:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(f); err != nil {
				t.Dispose()
				return
			}
		case <-ping.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.Dispose()
				return
			}
		case <-t.done:
			t.drain()
			return
		}
	}
}

// drain flushes frames queued before Dispose, unless the client already
// failed to keep up.
func (t *wsTerminal) drain() {
	if t.Overflowed() {
		return
	}
	for {
		select {
		case f := <-t.out:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if t.conn.WriteJSON(f) != nil {
				return
			}
		default:
			return
		}
	}
}

func queryInt(c echo.Context, name string) int {
	n, _ := strconv.Atoi(c.QueryParam(name))
	return n
}

// attachTerminal upgrades to a WebSocket and binds it to the session. The
// first attach spawns the session's shell; later attaches restore it with its
// scrollback.
func (s *Server) attachTerminal(c echo.Context) error {
	id := c.Param("id")

	if _, err := s.deps.Registry.Get(id); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	log := s.log.With(zap.String("session", id))
	term := newWSTerminal(ws, queryInt(c, "cols"), queryInt(c, "rows"))
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		term.writeLoop()
	}()
	defer func() {
		term.Dispose()
		<-writerDone
	}()

	if err := s.deps.Registry.AttachTerminal(c.Request().Context(), id, term); err != nil {
		log.Warn("attach failed", zap.Error(err))
		term.send(types.TerminalFrame{Type: types.FrameError, Data: err.Error()})
		return nil
	}
	defer s.deps.Registry.DetachTerminal(id, term)

	exited, err := s.deps.Registry.Exited(id)
	if err != nil {
		return nil
	}

	// Read frames from the WebSocket until it closes.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			var f types.TerminalFrame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case types.FrameInput:
				term.input(f.Data)
			case types.FrameResize:
				if f.Cols <= 0 || f.Rows <= 0 {
					continue
				}
				term.setSize(f.Cols, f.Rows)
				if err := s.deps.Registry.Resize(f.Cols, f.Rows, id); err != nil {
					log.Debug("resize", zap.Error(err))
				}
			}
		}
	}()

	select {
	case <-readDone:
	case <-exited:
		term.send(types.TerminalFrame{Type: types.FrameExit})
	case <-term.done:
		if term.Overflowed() {
			log.Warn("terminal client fell behind, disconnecting", zap.Int("queued", outputQueue))
		}
	}

	term.Dispose()
	<-writerDone
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}
