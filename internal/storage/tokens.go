package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"finances/internal/core"
)

// Keys used in the client store.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
	KeyUsername     = "username"
	KeyClientID     = "clientId"
)

// TokenStore is the typed view of a Store used by the API client and the
// session provider.
type TokenStore struct {
	store Store
}

func NewTokenStore(store Store) *TokenStore {
	return &TokenStore{store: store}
}

// Credentials returns the stored token pair. A missing access token yields
// empty credentials and no error.
func (t *TokenStore) Credentials(ctx context.Context) (core.Credentials, error) {
	access, _, err := t.store.Get(ctx, KeyAccessToken)
	if err != nil {
		return core.Credentials{}, err
	}
	refresh, _, err := t.store.Get(ctx, KeyRefreshToken)
	if err != nil {
		return core.Credentials{}, err
	}
	return core.Credentials{AccessToken: access, RefreshToken: refresh}, nil
}

// AccessToken returns the current access token, or "".
func (t *TokenStore) AccessToken(ctx context.Context) (string, error) {
	v, _, err := t.store.Get(ctx, KeyAccessToken)
	return v, err
}

// SaveCredentials replaces the stored token pair. An empty refresh token
// clears the stored one.
func (t *TokenStore) SaveCredentials(ctx context.Context, c core.Credentials) error {
	if err := t.store.Set(ctx, KeyAccessToken, c.AccessToken); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	if c.RefreshToken == "" {
		if err := t.store.Delete(ctx, KeyRefreshToken); err != nil {
			return fmt.Errorf("clear refresh token: %w", err)
		}
		return nil
	}
	if err := t.store.Set(ctx, KeyRefreshToken, c.RefreshToken); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// RotateCredentials stores the result of a token refresh. An empty refresh
// token keeps the stored one, since refresh responses only rotate it
// sometimes.
func (t *TokenStore) RotateCredentials(ctx context.Context, c core.Credentials) error {
	if c.RefreshToken == "" {
		if err := t.store.Set(ctx, KeyAccessToken, c.AccessToken); err != nil {
			return fmt.Errorf("save access token: %w", err)
		}
		return nil
	}
	return t.SaveCredentials(ctx, c)
}

// ClearCredentials removes tokens, the cached user and the display name.
// The client identifier is kept.
func (t *TokenStore) ClearCredentials(ctx context.Context) error {
	return t.store.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyUser, KeyUsername)
}

// User returns the cached user profile, if any.
func (t *TokenStore) User(ctx context.Context) (*core.Session, error) {
	raw, ok, err := t.store.Get(ctx, KeyUser)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var s core.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode cached user: %w", err)
	}
	return &s, nil
}

// SetUser caches the user profile.
func (t *TokenStore) SetUser(ctx context.Context, s *core.Session) error {
	if s == nil {
		return t.store.Delete(ctx, KeyUser)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return t.store.Set(ctx, KeyUser, string(b))
}

// Username returns the cached display name.
func (t *TokenStore) Username(ctx context.Context) (string, error) {
	v, _, err := t.store.Get(ctx, KeyUsername)
	return v, err
}

func (t *TokenStore) SetUsername(ctx context.Context, name string) error {
	return t.store.Set(ctx, KeyUsername, name)
}

// ClientID returns the anonymous identifier of this client, creating and
// persisting one on first use.
func (t *TokenStore) ClientID(ctx context.Context) (string, error) {
	id, ok, err := t.store.Get(ctx, KeyClientID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := t.store.Set(ctx, KeyClientID, id); err != nil {
		return "", fmt.Errorf("save client id: %w", err)
	}
	return id, nil
}
