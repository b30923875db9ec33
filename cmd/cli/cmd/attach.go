package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/boltshell/pkg/client"
	"github.com/opensandbox/boltshell/pkg/types"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach [session-id]",
	Short: "Attach this terminal to a session",
	Long: `Attach the local terminal to a session's shell. Scrollback is replayed on
attach. Press Ctrl-] to detach; the shell keeps running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}
		id := "bolt"
		if len(args) == 1 {
			id = args[0]
		}

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return fmt.Errorf("attach needs an interactive terminal")
		}
		cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil {
			cols, rows = 80, 24
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := client.NewClient(baseURL, apiKey)
		conn, err := c.Attach(ctx, id, cols, rows)
		if err != nil {
			return fmt.Errorf("failed to attach: %w", err)
		}
		defer conn.Close()

		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		code, err := runAttached(ctx, conn, id)
		_ = term.Restore(fd, state)
		fmt.Println()

		switch {
		case err != nil:
			return err
		case code != nil:
			fmt.Println(dimStyle.Render(fmt.Sprintf("shell exited with code %d", *code)))
		default:
			fmt.Println(dimStyle.Render("detached from " + id))
		}
		return nil
	},
}

type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) send(f types.TerminalFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(f)
}

// runAttached pumps stdin to the session and session output to stdout until
// the user detaches, the shell exits or the connection drops. It returns the
// shell's exit code when the shell exited.
func runAttached(ctx context.Context, conn *websocket.Conn, id string) (*int, error) {
	w := &frameWriter{conn: conn}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopResize := watchResize(ctx, func(cols, rows int) {
		_ = w.send(types.TerminalFrame{Type: types.FrameResize, Cols: cols, Rows: rows})
	})
	defer stopResize()

	detached := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			data := buf[:n]
			for i, b := range data {
				if b == detachKey {
					if i > 0 {
						_ = w.send(types.TerminalFrame{Type: types.FrameInput, Data: string(data[:i])})
					}
					close(detached)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detach"), deadline())
					return
				}
			}
			if err := w.send(types.TerminalFrame{Type: types.FrameInput, Data: string(data)}); err != nil {
				return
			}
		}
	}()

	for {
		var f types.TerminalFrame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-detached:
				return nil, nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, nil
			}
			return nil, fmt.Errorf("connection to %s lost: %w", id, err)
		}
		switch f.Type {
		case types.FrameOutput:
			if _, err := os.Stdout.WriteString(f.Data); err != nil {
				return nil, err
			}
		case types.FrameExit:
			code := f.Code
			return &code, nil
		case types.FrameError:
			return nil, errors.New(f.Data)
		}
	}
}

func deadline() time.Time { return time.Now().Add(time.Second) }

func init() {
	rootCmd.AddCommand(attachCmd)
}
