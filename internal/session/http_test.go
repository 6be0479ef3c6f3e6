package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finances/internal/api"
	"finances/internal/auth"
	"finances/internal/core"
	"finances/internal/log"
	"finances/internal/storage"
)

// A caller giving up while the token is being refreshed must not sign the
// user out.
func TestAbandonedRefreshKeepsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer a1", "Bearer fresh":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(api.UserPayload{ID: "u1", Email: "ana@example.com"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("GET /api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("[]"))
	})
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.AuthPayload{AccessToken: "fresh"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	tokens := storage.NewTokenStore(storage.NewMemoryStore())
	require.NoError(t, tokens.SaveCredentials(ctx, core.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	client := api.NewClient(tokens, api.Options{BaseURL: srv.URL, Logger: log.Discard()})
	backend := auth.NewHTTPBackend(client, log.Discard())
	t.Cleanup(backend.Close)
	p := NewProvider(Options{Backend: backend, Tokens: tokens, Logger: log.Discard()})
	t.Cleanup(p.Close)

	require.NoError(t, p.Bootstrap(ctx))
	require.Equal(t, Authenticated, p.State())

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	var out []json.RawMessage
	err := client.GetJSON(short, "/api/transactions", nil, &out)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Authenticated, p.State())

	assert.Eventually(t, func() bool {
		token, err := tokens.AccessToken(ctx)
		return err == nil && token == "fresh"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, Authenticated, p.State())

	creds, err := tokens.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", creds.RefreshToken, "an unrotated refresh token is kept")
}
