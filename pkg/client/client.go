// Package client is a typed HTTP client for the boltshell API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/boltshell/pkg/types"
)

// Client is an HTTP client for the boltshell API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout, for chat streams.
	streamClient *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// NewClient creates a new API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// doRequest performs an HTTP request with API key authentication. Non-nil
// bodies are sent as JSON unless they are already an io.Reader.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	return c.send(c.httpClient, ctx, method, path, body)
}

func (c *Client) send(hc *http.Client, ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case io.Reader:
		bodyReader = b
		contentType = "application/octet-stream"
	default:
		jsonData, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// call performs a request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// --- Sessions ---

func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out types.SessionCreateResponse
	if err := c.call(ctx, http.MethodPost, "/sessions", nil, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	var out []types.SessionInfo
	err := c.call(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (*types.SessionInfo, error) {
	var out types.SessionInfo
	if err := c.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ActivateSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/activate", nil, nil)
}

// Resize resizes one session, or every session when id is empty.
func (c *Client) Resize(ctx context.Context, id string, cols, rows int) error {
	path := "/sessions/resize"
	if id != "" {
		path = "/sessions/" + url.PathEscape(id) + "/resize"
	}
	return c.call(ctx, http.MethodPost, path, types.ResizeRequest{Cols: cols, Rows: rows}, nil)
}

// Exec runs a command in a session. A zero timeout waits for the prompt;
// the HTTP client's own timeout still applies.
func (c *Client) Exec(ctx context.Context, id, command string, timeout time.Duration) (*types.ExecResult, error) {
	var out types.ExecResult
	req := types.ExecRequest{Command: command, Timeout: int(timeout.Seconds())}
	if err := c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/exec", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists a session's recent commands from the server's journal.
func (c *Client) History(ctx context.Context, id string, limit int) ([]types.CommandRecord, error) {
	return c.history(ctx, id, limit, false)
}

// WorkspaceHistory lists a session's recent commands as recorded by every
// node of the workspace.
func (c *Client) WorkspaceHistory(ctx context.Context, id string, limit int) ([]types.CommandRecord, error) {
	return c.history(ctx, id, limit, true)
}

func (c *Client) history(ctx context.Context, id string, limit int, shared bool) ([]types.CommandRecord, error) {
	var out []types.CommandRecord
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if shared {
		q.Set("scope", "workspace")
	}
	path := "/sessions/" + url.PathEscape(id) + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) IssueToken(ctx context.Context, id string) (*types.AttachToken, error) {
	var out types.AttachToken
	if err := c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/token", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attach opens the terminal WebSocket of a session. It fetches an attach
// token first.
func (c *Client) Attach(ctx context.Context, id string, cols, rows int) (*websocket.Conn, error) {
	tok, err := c.IssueToken(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("issue attach token: %w", err)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sessions/" + url.PathEscape(id) + "/attach"
	q := url.Values{}
	q.Set("token", tok.Token)
	if cols > 0 && rows > 0 {
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if serr := checkStatus(resp); serr != nil {
				return nil, serr
			}
		}
		return nil, fmt.Errorf("dial attach: %w", err)
	}
	return conn, nil
}

// --- Files ---

func (c *Client) ListFiles(ctx context.Context) ([]types.FileEntry, error) {
	var out []types.FileEntry
	err := c.call(ctx, http.MethodGet, "/files", nil, &out)
	return out, err
}

func (c *Client) ListDir(ctx context.Context, dir string) ([]types.FileEntry, error) {
	var out []types.FileEntry
	err := c.call(ctx, http.MethodGet, "/files/dir?path="+url.QueryEscape(dir), nil, &out)
	return out, err
}

func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/files/content?path="+url.QueryEscape(path), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(data), nil
}

func (c *Client) WriteFile(ctx context.Context, path string, content io.Reader) error {
	return c.call(ctx, http.MethodPut, "/files/content?path="+url.QueryEscape(path), content, nil)
}

func (c *Client) MakeDir(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodPost, "/files/mkdir?path="+url.QueryEscape(path), nil, nil)
}

func (c *Client) RemoveFile(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodDelete, "/files/content?path="+url.QueryEscape(path), nil, nil)
}

// --- Chat ---

// Chat sends a prompt and calls fn for every streamed event. It returns when
// the stream ends. An error event is returned as an error.
func (c *Client) Chat(ctx context.Context, req types.ChatRequest, fn func(types.ChatEvent)) error {
	resp, err := c.send(c.streamClient, ctx, http.MethodPost, "/chat", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var streamErr error
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev types.ChatEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode chat event: %w", err)
		}
		if ev.Type == types.ChatEventError {
			streamErr = fmt.Errorf("chat: %s", ev.Error)
		}
		fn(ev)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read chat stream: %w", err)
	}
	return streamErr
}

// --- Snapshots ---

func (c *Client) Snapshot(ctx context.Context) (*types.SnapshotResult, error) {
	var out types.SnapshotResult
	if err := c.call(ctx, http.MethodPost, "/snapshots", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSnapshots(ctx context.Context) ([]types.SnapshotInfo, error) {
	var out []types.SnapshotInfo
	err := c.call(ctx, http.MethodGet, "/snapshots", nil, &out)
	return out, err
}

func (c *Client) RestoreSnapshot(ctx context.Context, key string) (*types.SnapshotResult, error) {
	var out types.SnapshotResult
	if err := c.call(ctx, http.MethodPost, "/snapshots/restore", types.SnapshotRestoreRequest{Key: key}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}
