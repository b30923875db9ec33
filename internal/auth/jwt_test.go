package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRevocations struct {
	mu       sync.Mutex
	tokens   map[string]string
	sessions map[string][]string
}

func newMemRevocations() *memRevocations {
	return &memRevocations{tokens: map[string]string{}, sessions: map[string][]string{}}
}

func (m *memRevocations) Record(ctx context.Context, sessionID, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenID] = sessionID
	m.sessions[sessionID] = append(m.sessions[sessionID], tokenID)
	return nil
}

func (m *memRevocations) Valid(ctx context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[tokenID]
	return ok, nil
}

func (m *memRevocations) RevokeSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sessions[sessionID] {
		delete(m.tokens, id)
	}
	delete(m.sessions, sessionID)
	return nil
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	issuer := NewTokenIssuer("s3cret", "ws-1", time.Minute, nil)

	tok, err := issuer.Issue(ctx, "term-1")
	require.NoError(t, err)
	assert.Equal(t, "term-1", tok.SessionID)

	claims, err := issuer.Validate(ctx, tok.Token, "term-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", claims.WorkspaceID)
	assert.NotEmpty(t, claims.ID)

	_, err = issuer.Validate(ctx, tok.Token, "bolt")
	assert.ErrorIs(t, err, ErrWrongSession)

	other := NewTokenIssuer("different", "ws-1", time.Minute, nil)
	_, err = other.Validate(ctx, tok.Token, "term-1")
	assert.Error(t, err)
}

func TestTokenIssuer_Expiry(t *testing.T) {
	ctx := context.Background()
	issuer := NewTokenIssuer("s3cret", "ws-1", time.Minute, nil)
	now := time.Now()
	issuer.now = func() time.Time { return now }

	tok, err := issuer.Issue(ctx, "bolt")
	require.NoError(t, err)

	issuer.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = issuer.Validate(ctx, tok.Token, "bolt")
	assert.Error(t, err)
}

func TestTokenIssuer_RevokeSession(t *testing.T) {
	ctx := context.Background()
	store := newMemRevocations()
	issuer := NewTokenIssuer("s3cret", "ws-1", time.Minute, store)

	a, err := issuer.Issue(ctx, "term-1")
	require.NoError(t, err)
	b, err := issuer.Issue(ctx, "term-2")
	require.NoError(t, err)

	require.NoError(t, issuer.RevokeSession(ctx, "term-1"))

	_, err = issuer.Validate(ctx, a.Token, "term-1")
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = issuer.Validate(ctx, b.Token, "term-2")
	assert.NoError(t, err)
}

func TestAttachTokenMiddleware(t *testing.T) {
	ctx := context.Background()
	issuer := NewTokenIssuer("s3cret", "ws-1", time.Minute, nil)
	tok, err := issuer.Issue(ctx, "term-1")
	require.NoError(t, err)

	e := echo.New()
	e.GET("/sessions/:id/attach", func(c echo.Context) error {
		id, _ := SessionID(c)
		return c.String(http.StatusOK, id)
	}, AttachTokenMiddleware(issuer))

	do := func(path, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := do("/sessions/term-1/attach?token="+tok.Token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "term-1", rec.Body.String())

	assert.Equal(t, http.StatusOK, do("/sessions/term-1/attach", tok.Token).Code)
	assert.Equal(t, http.StatusForbidden, do("/sessions/bolt/attach?token="+tok.Token, "").Code)
	assert.Equal(t, http.StatusForbidden, do("/sessions/term-1/attach?token=garbage", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("/sessions/term-1/attach", "").Code)
}
