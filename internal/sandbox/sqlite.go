package sandbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS command_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    command TEXT NOT NULL,
    exit_code INTEGER,
    duration_ms INTEGER,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pty_sessions (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL DEFAULT (datetime('now')),
    ended_at TEXT
);

CREATE TABLE IF NOT EXISTS file_writes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    source TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    payload TEXT,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
`

// Journal event types.
const (
	EventCommand   = "command"
	EventFileWrite = "file_write"
)

const sqliteTime = "2006-01-02 15:04:05"

// Journal is the per-workspace SQLite record of sessions, commands and file
// writes. Every entry is also queued in the events outbox until a publisher
// marks it synced.
type Journal struct {
	db          *sql.DB
	workspaceID string
}

// OpenJournal opens (or creates) the journal database for a workspace.
func OpenJournal(dataDir, workspaceID string) (*Journal, error) {
	dir := filepath.Join(dataDir, workspaceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	dbPath := filepath.Join(dir, "journal.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &Journal{db: db, workspaceID: workspaceID}, nil
}

// WorkspaceID returns the workspace this journal belongs to.
func (j *Journal) WorkspaceID() string { return j.workspaceID }

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// LogSession records a session lifecycle event. A "shell_started" event opens
// a pty_sessions row and "session_closed" ends it.
func (j *Journal) LogSession(sessionID, event string) error {
	var err error
	switch event {
	case "shell_started":
		_, err = j.db.Exec(
			`INSERT INTO pty_sessions (id) VALUES (?)
			 ON CONFLICT(id) DO UPDATE SET started_at = datetime('now'), ended_at = NULL`, sessionID)
	case "session_closed":
		_, err = j.db.Exec(
			`UPDATE pty_sessions SET ended_at = datetime('now') WHERE id = ?`, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to log session %s: %w", sessionID, err)
	}
	return j.LogEvent(event, map[string]any{
		"workspace_id": j.workspaceID,
		"session_id":   sessionID,
	})
}

// LogCommand records a command executed in a session.
func (j *Journal) LogCommand(sessionID, command string, exitCode int, durationMs int64) error {
	_, err := j.db.Exec(
		`INSERT INTO command_log (session_id, command, exit_code, duration_ms) VALUES (?, ?, ?, ?)`,
		sessionID, command, exitCode, durationMs)
	if err != nil {
		return fmt.Errorf("failed to log command: %w", err)
	}
	return j.LogEvent(EventCommand, map[string]any{
		"workspace_id": j.workspaceID,
		"session_id":   sessionID,
		"command":      command,
		"exit_code":    exitCode,
		"duration_ms":  durationMs,
	})
}

// LogFileWrite records a completed write to a workspace file.
func (j *Journal) LogFileWrite(path string, size int, source string) error {
	_, err := j.db.Exec(
		`INSERT INTO file_writes (path, size, source) VALUES (?, ?, ?)`, path, size, source)
	if err != nil {
		return fmt.Errorf("failed to log file write: %w", err)
	}
	return j.LogEvent(EventFileWrite, map[string]any{
		"workspace_id": j.workspaceID,
		"path":         path,
		"size":         size,
		"source":       source,
	})
}

// LogEvent queues a generic event in the outbox.
func (j *Journal) LogEvent(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	_, err = j.db.Exec(`INSERT INTO events (type, payload) VALUES (?, ?)`, eventType, string(data))
	return err
}

// Event represents an outbox entry.
type Event struct {
	ID        int64
	Type      string
	Payload   string
	CreatedAt time.Time
}

// CommandRecord is one row of the command log.
type CommandRecord struct {
	SessionID  string
	Command    string
	ExitCode   int
	DurationMs int64
	CreatedAt  time.Time
}

// GetUnsyncedEvents returns events that haven't been published yet, oldest first.
func (j *Journal) GetUnsyncedEvents(limit int) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT id, type, payload, created_at FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(sqliteTime, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// UnsyncedCount returns the outbox backlog.
func (j *Journal) UnsyncedCount() (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM events WHERE synced = 0`).Scan(&n)
	return n, err
}

// MarkEventsSynced marks the given event IDs as synced.
func (j *Journal) MarkEventsSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE events SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentCommands returns up to limit commands of a session, newest first.
// An empty sessionID selects all sessions.
func (j *Journal) RecentCommands(sessionID string, limit int) ([]CommandRecord, error) {
	rows, err := j.db.Query(
		`SELECT session_id, command, exit_code, duration_ms, created_at FROM command_log
		 WHERE (? = '' OR session_id = ?) ORDER BY id DESC LIMIT ?`, sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var c CommandRecord
		var created string
		if err := rows.Scan(&c.SessionID, &c.Command, &c.ExitCode, &c.DurationMs, &created); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(sqliteTime, created)
		out = append(out, c)
	}
	return out, rows.Err()
}
