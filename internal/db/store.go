// Package db is the cross-node history kept in PostgreSQL. Nodes never write
// to it directly: their journal events arrive through NATS and the
// SyncConsumer applies them.
package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrations = []struct {
	version  int
	filename string
}{
	{1, "migrations/001_initial.up.sql"},
	{2, "migrations/002_event_dedup.up.sql"},
}

// Store provides data access to the history database.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies pending migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if current >= m.version {
			continue
		}
		if err := s.apply(ctx, m.version, m.filename); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version int, filename string) error {
	sql, err := migrationsFS.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("failed to apply migration %03d: %w", version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("failed to record migration %03d: %w", version, err)
	}
	return tx.Commit(ctx)
}

// --- Command history ---

// CommandLog is one executed command as seen by any node.
type CommandLog struct {
	EventID     int64     `json:"eventId"`
	NodeID      string    `json:"nodeId"`
	WorkspaceID string    `json:"workspaceId"`
	SessionID   string    `json:"sessionId"`
	Command     string    `json:"command"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	DurationMs  *int64    `json:"durationMs,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

const insertCommandLog = `INSERT INTO command_logs
	(event_id, node_id, workspace_id, session_id, command, exit_code, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (node_id, workspace_id, event_id) DO NOTHING`

func (s *Store) InsertCommandLog(ctx context.Context, l CommandLog) error {
	_, err := s.pool.Exec(ctx, insertCommandLog,
		l.EventID, l.NodeID, l.WorkspaceID, l.SessionID, l.Command, l.ExitCode, l.DurationMs, createdAt(l.CreatedAt))
	return err
}

// ListCommandLogs returns the newest commands of a workspace. An empty
// sessionID selects every session.
func (s *Store) ListCommandLogs(ctx context.Context, workspaceID, sessionID string, limit int) ([]CommandLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(event_id, 0), node_id, workspace_id, session_id, command, exit_code, duration_ms, created_at
		 FROM command_logs
		 WHERE workspace_id = $1 AND ($2 = '' OR session_id = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`, workspaceID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (CommandLog, error) {
		var l CommandLog
		err := row.Scan(&l.EventID, &l.NodeID, &l.WorkspaceID, &l.SessionID, &l.Command,
			&l.ExitCode, &l.DurationMs, &l.CreatedAt)
		return l, err
	})
}

// --- Session and file events ---

// SessionEvent is a session lifecycle transition.
type SessionEvent struct {
	EventID     int64
	NodeID      string
	WorkspaceID string
	SessionID   string
	Event       string
	CreatedAt   time.Time
}

func (s *Store) InsertSessionEvent(ctx context.Context, e SessionEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (event_id, node_id, workspace_id, session_id, event, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (node_id, workspace_id, event_id) DO NOTHING`,
		e.EventID, e.NodeID, e.WorkspaceID, e.SessionID, e.Event, createdAt(e.CreatedAt))
	return err
}

// FileWrite is a completed write to a workspace file.
type FileWrite struct {
	EventID     int64
	NodeID      string
	WorkspaceID string
	Path        string
	Size        int64
	Source      string
	CreatedAt   time.Time
}

func (s *Store) InsertFileWrite(ctx context.Context, w FileWrite) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_writes (event_id, node_id, workspace_id, path, size, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (node_id, workspace_id, event_id) DO NOTHING`,
		w.EventID, w.NodeID, w.WorkspaceID, w.Path, w.Size, w.Source, createdAt(w.CreatedAt))
	return err
}

// --- Nodes ---

type Node struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspaceId"`
	Sessions      int       `json:"sessions"`
	Attached      int       `json:"attached"`
	Backlog       int       `json:"backlog"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

func (s *Store) UpsertNode(ctx context.Context, n *Node) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nodes (id, workspace_id, sessions, attached, backlog, status, last_heartbeat)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (id) DO UPDATE SET
		   workspace_id = EXCLUDED.workspace_id,
		   sessions = EXCLUDED.sessions,
		   attached = EXCLUDED.attached,
		   backlog = EXCLUDED.backlog,
		   status = EXCLUDED.status,
		   last_heartbeat = now()`,
		n.ID, n.WorkspaceID, n.Sessions, n.Attached, n.Backlog, n.Status)
	return err
}

// MarkStaleNodes flags nodes whose last heartbeat is older than maxAge.
func (s *Store) MarkStaleNodes(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET status = 'stale'
		 WHERE status = 'healthy' AND last_heartbeat < now() - make_interval(secs => $1)`,
		maxAge.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
