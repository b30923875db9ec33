package types

import "time"

// ExitCodeUnknown is reported when the shell went away before announcing an exit code.
const ExitCodeUnknown = -1

// ExecRequest is the request body for running a command in a session.
type ExecRequest struct {
	Command string `json:"cmd"`
	Timeout int    `json:"timeout,omitempty"` // seconds, 0 = wait for the prompt
}

// ExecResult is the result of a command executed through a session's shell.
type ExecResult struct {
	SessionID  string `json:"sessionID"`
	Output     string `json:"output"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	TimedOut   bool   `json:"timedOut,omitempty"`
}

// CommandRecord is one entry of a session's command history.
type CommandRecord struct {
	SessionID  string    `json:"sessionID"`
	NodeID     string    `json:"nodeID,omitempty"` // set for workspace-wide history
	Command    string    `json:"command"`
	ExitCode   int       `json:"exitCode"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}
