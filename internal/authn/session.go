// Package authn resolves the request principal from an opaque session token.
// Tokens are issued by the login flow; this package only looks them up.
package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agrilog/agrilog/internal/shared"
)

// SessionStore keeps bearer sessions in Redis.
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type sessionPayload struct {
	UserID   int64    `json:"user_id"`
	TenantID *int64   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(client *redis.Client, prefix string, ttl time.Duration) *SessionStore {
	if prefix == "" {
		prefix = "session:"
	}
	return &SessionStore{client: client, prefix: prefix, ttl: ttl}
}

// Issue stores a new session for the principal and returns its token.
func (s *SessionStore) Issue(ctx context.Context, p shared.Principal) (string, error) {
	if p.ID <= 0 {
		return "", fmt.Errorf("authn: issue: %w", shared.ErrValidation)
	}
	token := uuid.NewString()
	data, err := json.Marshal(sessionPayload{UserID: p.ID, TenantID: p.TenantID, Roles: p.Roles})
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.key(token), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("authn: store session: %w", err)
	}
	return token, nil
}

// Lookup resolves a token. Unknown or expired tokens yield ErrUnauthenticated.
func (s *SessionStore) Lookup(ctx context.Context, token string) (*shared.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, shared.ErrUnauthenticated
	}
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, shared.ErrUnauthenticated
		}
		return nil, fmt.Errorf("authn: load session: %w", err)
	}
	var stored sessionPayload
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("authn: decode session: %w", err)
	}
	if stored.UserID <= 0 {
		return nil, shared.ErrUnauthenticated
	}
	return &shared.Principal{ID: stored.UserID, TenantID: stored.TenantID, Roles: stored.Roles}, nil
}

// Revoke deletes a session.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// TTL exposes the configured session lifetime.
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

func (s *SessionStore) key(token string) string {
	return s.prefix + token
}
