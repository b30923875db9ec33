package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(t.TempDir(), "ws-1")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_OutboxOrderAndSync(t *testing.T) {
	j := openJournal(t)

	require.NoError(t, j.LogSession("bolt", "session_created"))
	require.NoError(t, j.LogSession("bolt", "shell_started"))
	require.NoError(t, j.LogCommand("bolt", "npm install", 0, 1200))
	require.NoError(t, j.LogFileWrite("src/app.js", 42, "stream"))

	events, err := j.GetUnsyncedEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []string{"session_created", "shell_started", EventCommand, EventFileWrite}, kinds)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[2].Payload), &payload))
	assert.Equal(t, "ws-1", payload["workspace_id"])
	assert.Equal(t, "npm install", payload["command"])
	assert.EqualValues(t, 1200, payload["duration_ms"])
	assert.False(t, events[0].CreatedAt.IsZero())

	require.NoError(t, j.MarkEventsSynced([]int64{events[0].ID, events[1].ID}))
	n, err := j.UnsyncedCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rest, err := j.GetUnsyncedEvents(1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, events[2].ID, rest[0].ID)

	require.NoError(t, j.MarkEventsSynced(nil))
}

func TestJournal_SessionRows(t *testing.T) {
	j := openJournal(t)

	require.NoError(t, j.LogSession("term-1", "shell_started"))
	require.NoError(t, j.LogSession("term-1", "session_closed"))
	// A respawned shell reopens the row.
	require.NoError(t, j.LogSession("term-1", "shell_started"))

	var ended *string
	require.NoError(t, j.db.QueryRow(`SELECT ended_at FROM pty_sessions WHERE id = ?`, "term-1").Scan(&ended))
	assert.Nil(t, ended)
}

func TestJournal_RecentCommands(t *testing.T) {
	j := openJournal(t)
	require.NoError(t, j.LogCommand("bolt", "ls", 0, 5))
	require.NoError(t, j.LogCommand("term-1", "false", 1, 3))
	require.NoError(t, j.LogCommand("bolt", "pwd", 0, 2))

	all, err := j.RecentCommands("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "pwd", all[0].Command)

	bolt, err := j.RecentCommands("bolt", 10)
	require.NoError(t, err)
	require.Len(t, bolt, 2)
	assert.Equal(t, "ls", bolt[1].Command)

	other, err := j.RecentCommands("term-1", 1)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, 1, other[0].ExitCode)
}
