package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/boltshell/internal/events"
)

type memSink struct {
	commands []CommandLog
	sessions []SessionEvent
	writes   []FileWrite
	nodes    []Node
	err      error
}

func (m *memSink) InsertCommandLog(_ context.Context, l CommandLog) error {
	m.commands = append(m.commands, l)
	return m.err
}

func (m *memSink) InsertSessionEvent(_ context.Context, e SessionEvent) error {
	m.sessions = append(m.sessions, e)
	return m.err
}

func (m *memSink) InsertFileWrite(_ context.Context, w FileWrite) error {
	m.writes = append(m.writes, w)
	return m.err
}

func (m *memSink) UpsertNode(_ context.Context, n *Node) error {
	m.nodes = append(m.nodes, *n)
	return m.err
}

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func envelope(t *testing.T, id int64, typ string, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(events.Envelope{
		ID:          id,
		Type:        typ,
		WorkspaceID: "ws-1",
		NodeID:      "node-1",
		Payload:     p,
		Timestamp:   ts,
	})
	require.NoError(t, err)
	return data
}

func TestApply_Command(t *testing.T) {
	sink := &memSink{}
	data := envelope(t, 4, "command", map[string]any{
		"session_id": "bolt", "command": "npm install", "exit_code": 1, "duration_ms": 2300,
	})
	require.NoError(t, Apply(context.Background(), sink, data))

	code, dur := 1, int64(2300)
	want := []CommandLog{{
		EventID: 4, NodeID: "node-1", WorkspaceID: "ws-1", SessionID: "bolt",
		Command: "npm install", ExitCode: &code, DurationMs: &dur, CreatedAt: ts,
	}}
	if diff := cmp.Diff(want, sink.commands); diff != "" {
		t.Errorf("command logs (-want +got):\n%s", diff)
	}
}

func TestApply_FileWriteAndSession(t *testing.T) {
	sink := &memSink{}
	ctx := context.Background()
	require.NoError(t, Apply(ctx, sink, envelope(t, 1, "session_created", map[string]any{"session_id": "term-1"})))
	require.NoError(t, Apply(ctx, sink, envelope(t, 2, "file_write", map[string]any{
		"path": "src/app.tsx", "size": 120, "source": "stream",
	})))

	require.Len(t, sink.sessions, 1)
	assert.Equal(t, "term-1", sink.sessions[0].SessionID)
	assert.Equal(t, "session_created", sink.sessions[0].Event)

	require.Len(t, sink.writes, 1)
	assert.Equal(t, FileWrite{
		EventID: 2, NodeID: "node-1", WorkspaceID: "ws-1",
		Path: "src/app.tsx", Size: 120, Source: "stream", CreatedAt: ts,
	}, sink.writes[0])
}

func TestApply_UnknownTypeIgnored(t *testing.T) {
	sink := &memSink{}
	require.NoError(t, Apply(context.Background(), sink, envelope(t, 9, "preview_ready", map[string]any{})))
	assert.Empty(t, sink.commands)
	assert.Empty(t, sink.sessions)
	assert.Empty(t, sink.writes)
}

func TestApply_Errors(t *testing.T) {
	err := Apply(context.Background(), &memSink{}, []byte("{not json"))
	require.Error(t, err)
	assert.True(t, IsMalformed(err))

	sink := &memSink{err: errors.New("connection reset")}
	err = Apply(context.Background(), sink, envelope(t, 1, "command", map[string]any{"command": "ls"}))
	require.Error(t, err)
	assert.False(t, IsMalformed(err), "store failures are retried")
}

func TestApplyHeartbeat(t *testing.T) {
	sink := &memSink{}
	data, err := json.Marshal(events.Heartbeat{NodeID: "node-2", WorkspaceID: "ws-1", Sessions: 3, Attached: 2, Backlog: 5})
	require.NoError(t, err)
	require.NoError(t, ApplyHeartbeat(context.Background(), sink, data))
	assert.Equal(t, []Node{{ID: "node-2", WorkspaceID: "ws-1", Sessions: 3, Attached: 2, Backlog: 5, Status: "healthy"}}, sink.nodes)

	err = ApplyHeartbeat(context.Background(), sink, []byte(`{"sessions":1}`))
	assert.True(t, IsMalformed(err))
}
