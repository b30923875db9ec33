package types

import "time"

// SessionCreateResponse is returned when a new terminal session is registered.
type SessionCreateResponse struct {
	SessionID string `json:"sessionID"`
}

// SessionInfo describes one terminal session slot.
type SessionInfo struct {
	ID          string    `json:"sessionID"`
	Primary     bool      `json:"primary"`
	Active      bool      `json:"active"`
	Running     bool      `json:"running"`     // a command is executing
	Interactive bool      `json:"interactive"` // shell accepted keystrokes
	Attached    bool      `json:"attached"`    // a terminal surface is bound
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// ResizeRequest is the request body for resizing one or all sessions.
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// TerminalFrame is a WebSocket frame on the attach endpoint.
type TerminalFrame struct {
	Type string `json:"type"` // "input", "output", "resize", "exit", "error"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Code int    `json:"code,omitempty"`
}

// Terminal frame types.
const (
	FrameInput  = "input"
	FrameOutput = "output"
	FrameResize = "resize"
	FrameExit   = "exit"
	FrameError  = "error"
)

// AttachToken is a short-lived credential for the attach WebSocket.
type AttachToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionID"`
	ExpiresAt time.Time `json:"expiresAt"`
}
