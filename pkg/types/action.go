package types

// ActionKind is the directive shape recognized in a model response.
type ActionKind string

const (
	ActionFile  ActionKind = "file"
	ActionShell ActionKind = "shell"
)

// ActionStatus tracks a streamed action from first sight to settlement.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionRunning  ActionStatus = "running"
	ActionComplete ActionStatus = "complete"
	ActionSkipped  ActionStatus = "skipped"
	ActionFailed   ActionStatus = "failed"
)

// Action is one file-write or shell-command directive extracted from a stream.
type Action struct {
	Kind     ActionKind   `json:"kind"`
	Path     string       `json:"path,omitempty"`
	Content  string       `json:"content,omitempty"`
	Command  string       `json:"command,omitempty"`
	Complete bool         `json:"complete"`
	Status   ActionStatus `json:"status"`
	ExitCode *int         `json:"exitCode,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for the chat endpoint.
type ChatRequest struct {
	SessionID string        `json:"sessionID,omitempty"`
	Prompt    string        `json:"prompt"`
	History   []ChatMessage `json:"history,omitempty"`
}

// ChatEvent is a progress event streamed back from the chat endpoint.
type ChatEvent struct {
	Type    string  `json:"type"` // "content", "annotation", "action", "done", "error"
	Content string  `json:"content,omitempty"`
	Data    any     `json:"data,omitempty"`
	Action  *Action `json:"action,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Chat event types.
const (
	ChatEventContent    = "content"
	ChatEventAnnotation = "annotation"
	ChatEventAction     = "action"
	ChatEventDone       = "done"
	ChatEventError      = "error"
)
