package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore records issued attach tokens in Redis so they can be revoked
// per session. Token keys expire with the tokens themselves.
type TokenStore struct {
	rdb    *redis.Client
	prefix string
}

// NewTokenStore connects to Redis at redisURL.
func NewTokenStore(redisURL, prefix string) (*TokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewTokenStoreFromClient(rdb, prefix), nil
}

// NewTokenStoreFromClient wraps an existing client.
func NewTokenStoreFromClient(rdb *redis.Client, prefix string) *TokenStore {
	if prefix == "" {
		prefix = "boltshell"
	}
	return &TokenStore{rdb: rdb, prefix: prefix}
}

func (s *TokenStore) tokenKey(id string) string   { return s.prefix + ":token:" + id }
func (s *TokenStore) sessionKey(id string) string { return s.prefix + ":session-tokens:" + id }

// Record stores tokenID for sessionID until ttl elapses.
func (s *TokenStore) Record(ctx context.Context, sessionID, tokenID string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.tokenKey(tokenID), sessionID, ttl)
	pipe.SAdd(ctx, s.sessionKey(sessionID), tokenID)
	pipe.Expire(ctx, s.sessionKey(sessionID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Valid reports whether tokenID is still recorded.
func (s *TokenStore) Valid(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeSession deletes every token recorded for sessionID.
func (s *TokenStore) RevokeSession(ctx context.Context, sessionID string) error {
	ids, err := s.rdb.SMembers(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.tokenKey(id))
	}
	keys = append(keys, s.sessionKey(sessionID))
	return s.rdb.Del(ctx, keys...).Err()
}

// Close closes the Redis connection.
func (s *TokenStore) Close() error {
	return s.rdb.Close()
}
