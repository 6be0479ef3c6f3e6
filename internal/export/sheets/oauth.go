package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gsheet "google.golang.org/api/sheets/v4"
)

// DefaultRedirectPort is where Authorize listens for the OAuth callback.
// The OAuth client must list http://localhost:<port>/callback as an
// authorized redirect URI.
const DefaultRedirectPort = "8085"

// OAuthConfig authenticates as a Google user instead of a service account.
// The token file is written by Authorize.
type OAuthConfig struct {
	ClientJSON string
	ClientFile string
	TokenFile  string
}

// HasClient reports whether OAuth client credentials are set.
func (c OAuthConfig) HasClient() bool {
	return strings.TrimSpace(c.ClientJSON) != "" || strings.TrimSpace(c.ClientFile) != ""
}

// Configured reports whether the exporter should use the user token.
func (c OAuthConfig) Configured() bool {
	return c.HasClient() && strings.TrimSpace(c.TokenFile) != ""
}

func (c OAuthConfig) oauth2Config() (*oauth2.Config, error) {
	var b []byte
	switch {
	case strings.TrimSpace(c.ClientJSON) != "":
		b = []byte(c.ClientJSON)
	case strings.TrimSpace(c.ClientFile) != "":
		var err error
		if b, err = os.ReadFile(c.ClientFile); err != nil {
			return nil, fmt.Errorf("read client file: %w", err)
		}
	default:
		return nil, errors.New("set GOOGLE_OAUTH_CLIENT_JSON or GOOGLE_OAUTH_CLIENT_FILE")
	}
	cfg, err := google.ConfigFromJSON(b, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("oauth config: %w", err)
	}
	return cfg, nil
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return &tok, nil
}

// SaveToken writes tok to path, readable by the owner only.
func SaveToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open token file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return fmt.Errorf("write token: %w", err)
	}
	return f.Close()
}

func userTokenSource(ctx context.Context, c OAuthConfig) (oauth2.TokenSource, error) {
	cfg, err := c.oauth2Config()
	if err != nil {
		return nil, err
	}
	tok, err := LoadToken(c.TokenFile)
	if err != nil {
		return nil, err
	}
	return cfg.TokenSource(ctx, tok), nil
}

// Authorize runs the installed-app consent flow. It serves the redirect on
// localhost:port, hands the consent URL to show, waits for the callback
// and saves the exchanged token to c.TokenFile. It returns the token path.
func Authorize(ctx context.Context, c OAuthConfig, port string, show func(consentURL string)) (string, error) {
	cfg, err := c.oauth2Config()
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(c.TokenFile)
	if out == "" {
		out = "token.json"
	}
	if port == "" {
		port = DefaultRedirectPort
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		return "", fmt.Errorf("listen for oauth callback: %w", err)
	}
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/callback", ln.Addr().(*net.TCPAddr).Port)

	state := uuid.NewString()
	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res result
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("oauth error: %s", q.Get("error"))
			http.Error(w, "OAuth error: "+q.Get("error"), http.StatusBadRequest)
		case q.Get("state") != state:
			http.Error(w, "OAuth state mismatch", http.StatusBadRequest)
			return
		default:
			res.code = q.Get("code")
			fmt.Fprintln(w, "You may close this window and return to the terminal.")
		}
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	show(cfg.AuthCodeURL(state, oauth2.AccessTypeOffline))

	var res result
	select {
	case res = <-results:
	case <-ctx.Done():
		return "", fmt.Errorf("authorization not completed: %w", ctx.Err())
	}
	if res.err != nil {
		return "", res.err
	}
	tok, err := cfg.Exchange(ctx, res.code)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if err := SaveToken(out, tok); err != nil {
		return "", err
	}
	return out, nil
}
