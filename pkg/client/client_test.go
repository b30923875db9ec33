package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/boltshell/pkg/types"
)

func TestClient_SessionsAndErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.SessionCreateResponse{SessionID: "term-1"})
	})
	mux.HandleFunc("DELETE /sessions/bolt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"session: primary session cannot be closed"}`)
	})
	mux.HandleFunc("POST /sessions/term-1/exec", func(w http.ResponseWriter, r *http.Request) {
		var req types.ExecRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(types.ExecResult{SessionID: "term-1", Output: req.Command, ExitCode: 0})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", "k")
	ctx := context.Background()

	id, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "term-1", id)

	res, err := c.Exec(ctx, id, "ls -la", 0)
	require.NoError(t, err)
	assert.Equal(t, "ls -la", res.Output)

	err = c.CloseSession(ctx, "bolt")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "session: primary session cannot be closed", apiErr.Message)
}

func TestClient_Files(t *testing.T) {
	var written string
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /files/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "src/a b.txt", r.URL.Query().Get("path"))
		data, _ := io.ReadAll(r.Body)
		written = string(data)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /files/content", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, written)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()
	require.NoError(t, c.WriteFile(ctx, "src/a b.txt", strings.NewReader("hello")))
	got, err := c.ReadFile(ctx, "src/a b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content\ndata: {\"type\":\"content\",\"content\":\"hi\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"type\":\"done\"}\n\n")
	}))
	defer srv.Close()

	var got []string
	err := NewClient(srv.URL, "").Chat(context.Background(), types.ChatRequest{Prompt: "x"}, func(ev types.ChatEvent) {
		got = append(got, ev.Type+":"+ev.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"content:hi", "done:"}, got)
}

func TestClient_ChatErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":\"rate limited\"}\n\n")
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").Chat(context.Background(), types.ChatRequest{Prompt: "x"}, func(types.ChatEvent) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
