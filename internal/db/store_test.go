package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Postgres(t *testing.T) {
	url := os.Getenv("BOLTSHELL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BOLTSHELL_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations are idempotent")

	ws := "ws-" + uuid.NewString()[:8]
	code := 0
	logs := []CommandLog{
		{EventID: 1, NodeID: "node-1", WorkspaceID: ws, SessionID: "bolt", Command: "ls", ExitCode: &code, CreatedAt: time.Now().Add(-time.Minute)},
		{EventID: 2, NodeID: "node-1", WorkspaceID: ws, SessionID: "term-1", Command: "pwd", ExitCode: &code},
	}
	for _, l := range logs {
		require.NoError(t, store.InsertCommandLog(ctx, l))
	}
	// Redelivery of the same event is a no-op.
	require.NoError(t, store.InsertCommandLog(ctx, logs[1]))

	all, err := store.ListCommandLogs(ctx, ws, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "pwd", all[0].Command)

	bolt, err := store.ListCommandLogs(ctx, ws, "bolt", 10)
	require.NoError(t, err)
	require.Len(t, bolt, 1)
	assert.Equal(t, "ls", bolt[0].Command)

	require.NoError(t, store.InsertSessionEvent(ctx, SessionEvent{EventID: 3, NodeID: "node-1", WorkspaceID: ws, SessionID: "bolt", Event: "shell_started"}))
	require.NoError(t, store.InsertFileWrite(ctx, FileWrite{EventID: 4, NodeID: "node-1", WorkspaceID: ws, Path: "a.txt", Size: 5, Source: "api"}))
	require.NoError(t, store.UpsertNode(ctx, &Node{ID: "node-" + ws, WorkspaceID: ws, Sessions: 1, Status: "healthy"}))

	_, err = store.MarkStaleNodes(ctx, time.Hour)
	require.NoError(t, err)
}
