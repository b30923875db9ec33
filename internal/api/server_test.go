package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/boltshell/internal/auth"
	"github.com/opensandbox/boltshell/internal/chat"
	"github.com/opensandbox/boltshell/internal/db"
	"github.com/opensandbox/boltshell/internal/sandbox"
	"github.com/opensandbox/boltshell/internal/session"
	"github.com/opensandbox/boltshell/internal/shell/shelltest"
	"github.com/opensandbox/boltshell/internal/workspace"
	"github.com/opensandbox/boltshell/pkg/types"
)

const testKey = "test-key"

type fakeAI struct{ stream string }

func (f *fakeAI) Stream(ctx context.Context, _ []types.ChatMessage) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

type memJournal struct {
	mu     sync.Mutex
	writes []string
}

func (j *memJournal) LogFileWrite(path string, size int, source string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writes = append(j.writes, fmt.Sprintf("%s:%d:%s", source, size, path))
	return nil
}

var zero = 0

type memShared struct{ logs []db.CommandLog }

func (m *memShared) ListCommandLogs(ctx context.Context, workspaceID, sessionID string, limit int) ([]db.CommandLog, error) {
	var out []db.CommandLog
	for _, l := range m.logs {
		if l.WorkspaceID == workspaceID && (sessionID == "" || l.SessionID == sessionID) && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

type memHistory struct{ records []sandbox.CommandRecord }

func (h *memHistory) RecentCommands(sessionID string, limit int) ([]sandbox.CommandRecord, error) {
	var out []sandbox.CommandRecord
	for _, r := range h.records {
		if r.SessionID == sessionID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type memSnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memSnapshots) Upload(_ context.Context, key string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return int64(len(b)), nil
}

func (m *memSnapshots) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("no snapshot %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memSnapshots) List(_ context.Context, _ string) ([]types.SnapshotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.SnapshotInfo
	for k, v := range m.data {
		out = append(out, types.SnapshotInfo{Key: k, SizeBytes: int64(len(v))})
	}
	return out, nil
}

type fixture struct {
	url       string
	registry  *session.Registry
	files     *workspace.Store
	runtime   *shelltest.Runtime
	journal   *memJournal
	snapshots *memSnapshots
}

func newFixture(t *testing.T, ai *fakeAI) *fixture {
	t.Helper()
	rt := &shelltest.Runtime{}
	reg := session.New(rt, session.Options{})
	t.Cleanup(reg.Teardown)

	fs, err := sandbox.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	files := workspace.NewStore(fs, workspace.Options{})

	f := &fixture{
		registry:  reg,
		files:     files,
		runtime:   rt,
		journal:   &memJournal{},
		snapshots: &memSnapshots{data: map[string][]byte{}},
	}
	deps := Deps{
		Registry:    reg,
		Files:       files,
		Tokens:      auth.NewTokenIssuer("secret", "ws-1", time.Minute, nil),
		Journal:     f.journal,
		Snapshots:   f.snapshots,
		WorkspaceID: "ws-1",
		APIKey:      testKey,
		History: &memHistory{records: []sandbox.CommandRecord{
			{SessionID: "bolt", Command: "npm test", ExitCode: 1, DurationMs: 40},
			{SessionID: "term-1", Command: "ls"},
		}},
		Shared: &memShared{logs: []db.CommandLog{
			{NodeID: "node-2", WorkspaceID: "ws-1", SessionID: "bolt", Command: "make build", ExitCode: &zero},
			{NodeID: "node-3", WorkspaceID: "ws-1", SessionID: "bolt", Command: "make lint"},
			{NodeID: "node-2", WorkspaceID: "ws-other", SessionID: "bolt", Command: "rm -rf /"},
		}},
	}
	if ai != nil {
		deps.Chat = chat.New(ai, files, reg, chat.Options{CommandTimeout: 5 * time.Second})
	}

	srv := httptest.NewServer(NewServer(deps).Handler())
	t.Cleanup(srv.Close)
	f.url = srv.URL
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.url+path, r)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	if _, ok := body.(string); !ok && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.url + "/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created types.SessionCreateResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "term-1", created.SessionID)

	resp, _ = f.do(t, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "primary counts toward the cap")

	_, body = f.do(t, http.MethodGet, "/sessions", nil)
	var list []types.SessionInfo
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 3)
	assert.Equal(t, "bolt", list[0].ID)
	assert.True(t, list[2].Active)

	resp, _ = f.do(t, http.MethodPost, "/sessions/bolt/activate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bolt", f.registry.Active())

	resp, _ = f.do(t, http.MethodDelete, "/sessions/bolt", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/sessions/term-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/sessions/term-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResize(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodPost, "/sessions/bolt/resize", types.ResizeRequest{Cols: 0, Rows: 10})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/sessions/resize", types.ResizeRequest{Cols: 120, Rows: 40})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	info, err := f.registry.Get("bolt")
	require.NoError(t, err)
	assert.Equal(t, 120, info.Cols)

	resp, _ = f.do(t, http.MethodPost, "/sessions/term-9/resize", types.ResizeRequest{Cols: 80, Rows: 24})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExec_StartsDormantShell(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/sessions/bolt/exec", types.ExecRequest{Command: "echo ready"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res types.ExecResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "ready", res.Output)
	assert.Equal(t, 0, res.ExitCode)

	_, body = f.do(t, http.MethodPost, "/sessions/bolt/exec", types.ExecRequest{Command: "fail 3"})
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 3, res.ExitCode)
	assert.Len(t, f.runtime.Spawned(), 1)
}

func TestExec_Timeout(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/sessions/bolt/exec", types.ExecRequest{Command: "sleep 60", Timeout: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res types.ExecResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.TimedOut)
	assert.Equal(t, types.ExitCodeUnknown, res.ExitCode)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	_, body := f.do(t, http.MethodGet, "/sessions/bolt/history?limit=10", nil)
	var recs []types.CommandRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "npm test", recs[0].Command)
	assert.Equal(t, 1, recs[0].ExitCode)

	resp, _ := f.do(t, http.MethodGet, "/sessions/bolt/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/sessions/bolt/history?scope=workspace", nil)
	recs = nil
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "node-2", recs[0].NodeID)
	assert.Equal(t, 0, recs[0].ExitCode)
	assert.Equal(t, types.ExitCodeUnknown, recs[1].ExitCode)
}

func TestFiles(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPut, "/files/content?path=/src/a.txt", "hello")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"api:5:src/a.txt"}, f.journal.writes)

	resp, body := f.do(t, http.MethodGet, "/files/content?path=src/a.txt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	_, body = f.do(t, http.MethodGet, "/files", nil)
	var entries []types.FileEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, types.EntryDirectory, entries[0].Type)
	assert.Equal(t, "src/a.txt", entries[1].Path)

	resp, _ = f.do(t, http.MethodPost, "/files/mkdir?path=src/lib", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = f.do(t, http.MethodGet, "/files/dir?path=src", nil)
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "src/lib", entries[0].Path)

	resp, _ = f.do(t, http.MethodGet, "/files/content?path=../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/files/content", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/files/content?path=nope.txt", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/files/content?path=src", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, f.files.Len())
	resp, _ = f.do(t, http.MethodDelete, "/files/content?path=src", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshots(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPut, "/files/content?path=index.html", "<h1>hi</h1>")

	resp, body := f.do(t, http.MethodPost, "/snapshots", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var res types.SnapshotResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, strings.HasPrefix(res.Key, "snapshots/ws-1/"))
	assert.Equal(t, 1, res.Files)

	f.do(t, http.MethodDelete, "/files/content?path=index.html", nil)
	resp, _ = f.do(t, http.MethodPost, "/snapshots/restore", types.SnapshotRestoreRequest{Key: res.Key})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = f.do(t, http.MethodGet, "/files/content?path=index.html", nil)
	assert.Equal(t, "<h1>hi</h1>", string(body))

	resp, _ = f.do(t, http.MethodPost, "/snapshots/restore", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, body = f.do(t, http.MethodGet, "/snapshots", nil)
	var list []types.SnapshotInfo
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)
}

func TestChatStreamsEvents(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"<boltAction type=\"file\" filePath=\"a.txt\">hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo</boltAction><boltAction type=\"shell\">echo done</boltAction>"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")
	f := newFixture(t, &fakeAI{stream: stream})

	resp, body := f.do(t, http.MethodPost, "/chat", types.ChatRequest{Prompt: "make a.txt"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds []string
	var last types.ChatEvent
	for _, line := range strings.Split(string(body), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			require.NoError(t, json.Unmarshal([]byte(data), &last))
			kinds = append(kinds, last.Type)
		}
	}
	assert.Contains(t, kinds, types.ChatEventContent)
	assert.Contains(t, kinds, types.ChatEventAction)
	assert.Equal(t, types.ChatEventDone, last.Type)

	content, err := f.files.ReadFile(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, []string{"echo done"}, f.runtime.Last().Commands())

	resp, _ = f.do(t, http.MethodPost, "/chat", types.ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatNotConfigured(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodPost, "/chat", types.ChatRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAttach(t *testing.T) {
	f := newFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.url, "http") + "/sessions/bolt/attach?cols=100&rows=30"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, body := f.do(t, http.MethodPost, "/sessions/bolt/token", nil)
	var tok types.AttachToken
	require.NoError(t, json.Unmarshal(body, &tok))
	require.NotEmpty(t, tok.Token)

	_, resp, err = websocket.DefaultDialer.Dial(strings.Replace(wsURL, "/bolt/", "/term-1/", 1)+"&token="+tok.Token, nil)
	require.Error(t, err, "tokens are scoped to one session")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"&token="+tok.Token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		info, _ := f.registry.Get("bolt")
		return info.Attached && info.Interactive
	}, 2*time.Second, 10*time.Millisecond)
	proc := f.runtime.Last()
	require.NotNil(t, proc)
	cols, rows := proc.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 30, rows)

	require.NoError(t, conn.WriteJSON(types.TerminalFrame{Type: types.FrameInput, Data: "echo typed\r"}))
	require.NoError(t, conn.WriteJSON(types.TerminalFrame{Type: types.FrameResize, Cols: 132, Rows: 43}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var out strings.Builder
	for !strings.Contains(out.String(), "typed") {
		var frame types.TerminalFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == types.FrameOutput {
			out.WriteString(frame.Data)
		}
	}
	require.Eventually(t, func() bool {
		c, r := proc.Size()
		return c == 132 && r == 43
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		info, _ := f.registry.Get("bolt")
		return !info.Attached
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, proc.Killed(), "detaching keeps the shell")
}
