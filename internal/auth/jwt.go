package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opensandbox/boltshell/pkg/types"
)

// DefaultTokenTTL is the lifetime of attach tokens.
const DefaultTokenTTL = 5 * time.Minute

var (
	ErrTokenRevoked = errors.New("token revoked")
	ErrWrongSession = errors.New("token not valid for this session")
)

// AttachClaims are the JWT claims of a session-scoped attach token.
type AttachClaims struct {
	jwt.RegisteredClaims
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
}

// Revocations tracks issued token ids so they can be withdrawn before they
// expire. *TokenStore implements it.
type Revocations interface {
	Record(ctx context.Context, sessionID, tokenID string, ttl time.Duration) error
	Valid(ctx context.Context, tokenID string) (bool, error)
	RevokeSession(ctx context.Context, sessionID string) error
}

// TokenIssuer creates and validates attach tokens.
type TokenIssuer struct {
	secret      []byte
	workspaceID string
	ttl         time.Duration
	store       Revocations
	now         func() time.Time
}

// NewTokenIssuer creates an issuer with the given shared secret. store may
// be nil, in which case tokens are checked by signature and expiry only.
func NewTokenIssuer(secret, workspaceID string, ttl time.Duration, store Revocations) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		secret:      []byte(secret),
		workspaceID: workspaceID,
		ttl:         ttl,
		store:       store,
		now:         time.Now,
	}
}

// Issue creates a token granting terminal access to one session.
func (j *TokenIssuer) Issue(ctx context.Context, sessionID string) (*types.AttachToken, error) {
	now := j.now()
	exp := now.Add(j.ttl)
	claims := AttachClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "boltshell",
		},
		SessionID:   sessionID,
		WorkspaceID: j.workspaceID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	if j.store != nil {
		if err := j.store.Record(ctx, sessionID, claims.ID, j.ttl); err != nil {
			return nil, fmt.Errorf("record token: %w", err)
		}
	}
	return &types.AttachToken{Token: signed, SessionID: sessionID, ExpiresAt: exp}, nil
}

// Validate parses a token and checks that it grants access to sessionID.
func (j *TokenIssuer) Validate(ctx context.Context, tokenStr, sessionID string) (*AttachClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AttachClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*AttachClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.SessionID != sessionID {
		return nil, ErrWrongSession
	}
	if j.store != nil {
		valid, err := j.store.Valid(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check token: %w", err)
		}
		if !valid {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// RevokeSession withdraws every token issued for sessionID.
func (j *TokenIssuer) RevokeSession(ctx context.Context, sessionID string) error {
	if j.store == nil {
		return nil
	}
	return j.store.RevokeSession(ctx, sessionID)
}
