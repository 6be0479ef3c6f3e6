// Package auth talks to the backend's /api/auth endpoints and keeps the
// local credential store in step with them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"finances/internal/api"
	"finances/internal/core"
	"finances/internal/log"
	"finances/internal/storage"
)

const (
	LoginPath    = "/api/auth/login"
	RegisterPath = "/api/auth/register"
	LogoutPath   = "/api/auth/logout"
	SessionPath  = "/api/auth/session"
	VerifyPath   = "/api/auth/verify"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountExists      = errors.New("an account with this email already exists")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrVerificationFailed = errors.New("confirmation link invalid or expired")
)

// MsgVerificationFailed is shown to the user when a confirmation link is
// rejected.
const MsgVerificationFailed = "The confirmation link is invalid or has expired."

// ChangeKind names a session change notification.
type ChangeKind string

const (
	SignedIn       ChangeKind = "signed_in"
	SignedOut      ChangeKind = "signed_out"
	TokenRefreshed ChangeKind = "token_refreshed"
	SessionExpired ChangeKind = "session_expired"
)

// Change is pushed to session change listeners.
type Change struct {
	Kind    ChangeKind
	Session *core.Session // nil for SignedOut and SessionExpired
}

// SignUpParams are the fields of a new account.
type SignUpParams struct {
	Email    string
	Password string
	Username string
	Language string
}

// HTTPBackend implements the session backend over the REST API.
type HTTPBackend struct {
	client *api.Client
	tokens *storage.TokenStore
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Change)

	unsubscribeRefresh func()
}

func NewHTTPBackend(client *api.Client, logger *log.Logger) *HTTPBackend {
	b := &HTTPBackend{
		client:    client,
		tokens:    client.Tokens(),
		logger:    log.Or(logger, log.ComponentAuth),
		now:       time.Now,
		listeners: make(map[int]func(Change)),
	}
	b.unsubscribeRefresh = client.OnRefresh(b.onRefresh)
	return b
}

// Close detaches the backend from the API client's refresh notifications.
func (b *HTTPBackend) Close() {
	if b.unsubscribeRefresh != nil {
		b.unsubscribeRefresh()
	}
}

// OnSessionChange registers fn for session change notifications. The
// returned function unsubscribes it.
func (b *HTTPBackend) OnSessionChange(fn func(Change)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *HTTPBackend) emit(c Change) {
	b.mu.Lock()
	fns := make([]func(Change), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// onRefresh only hears about failures where the backend refused the
// refresh token, so the stored pair is dead and goes with the session.
func (b *HTTPBackend) onRefresh(ev api.RefreshEvent) {
	if ev.Err != nil {
		if err := b.tokens.ClearCredentials(context.Background()); err != nil {
			b.logger.Warn("Failed to clear rejected credentials", log.FieldError, err)
		}
		b.emit(Change{Kind: SessionExpired})
		return
	}
	var s *core.Session
	if ev.User != nil {
		copied := *ev.User
		copied.AccessToken = ev.Credentials.AccessToken
		s = &copied
	}
	b.emit(Change{Kind: TokenRefreshed, Session: s})
}

// SignIn exchanges email and password for a session and persists it.
func (b *HTTPBackend) SignIn(ctx context.Context, email, password string) (*core.Session, error) {
	req, err := api.JSONRequest(http.MethodPost, LoginPath, map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	resp, err := b.client.DoAnonymous(ctx, req)
	if err != nil {
		if isRejected(err) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, message(err))
		}
		return nil, err
	}

	var payload api.AuthPayload
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}
	s := payload.Session(b.now())
	if s == nil {
		return nil, fmt.Errorf("%w: no session returned", ErrInvalidCredentials)
	}
	if err := b.persist(ctx, payload, s); err != nil {
		return nil, err
	}
	b.emit(Change{Kind: SignedIn, Session: s})
	return s, nil
}

// SignUp creates an account. A nil session with a nil error means the
// account exists but the email address must be confirmed first.
func (b *HTTPBackend) SignUp(ctx context.Context, p SignUpParams) (*core.Session, error) {
	req, err := api.JSONRequest(http.MethodPost, RegisterPath, map[string]any{
		"email":    strings.TrimSpace(p.Email),
		"password": p.Password,
		"username": strings.TrimSpace(p.Username),
		"user_metadata": core.UserMetadata{
			Username: strings.TrimSpace(p.Username),
			Language: p.Language,
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := b.client.DoAnonymous(ctx, req)
	if err != nil {
		switch {
		case api.IsStatus(err, http.StatusConflict):
			return nil, ErrAccountExists
		case isRejected(err):
			return nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, message(err))
		}
		return nil, err
	}

	var payload api.AuthPayload
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}
	s := payload.Session(b.now())
	if s == nil {
		b.logger.InfoContext(ctx, "Account created, confirmation pending", log.FieldOperation, log.OpRegister)
		return nil, nil
	}
	if err := b.persist(ctx, payload, s); err != nil {
		return nil, err
	}
	b.emit(Change{Kind: SignedIn, Session: s})
	return s, nil
}

// SignOut revokes the refresh token with the backend and clears local
// credentials. Local state is cleared even when the backend call fails;
// that failure is returned for logging only.
func (b *HTTPBackend) SignOut(ctx context.Context) error {
	creds, err := b.tokens.Credentials(ctx)
	var remoteErr error
	if err == nil && creds.AccessToken != "" {
		remoteErr = b.client.SendJSON(ctx, http.MethodPost, LogoutPath,
			map[string]string{"refreshToken": creds.RefreshToken}, nil)
	}
	if err := b.tokens.ClearCredentials(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	b.emit(Change{Kind: SignedOut})
	if remoteErr != nil {
		return fmt.Errorf("backend sign out: %w", remoteErr)
	}
	return nil
}

// CurrentSession resolves the session from stored credentials. It returns
// nil when nobody is signed in or the stored session is no longer valid.
func (b *HTTPBackend) CurrentSession(ctx context.Context) (*core.Session, error) {
	token, err := b.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	if token == "" {
		return nil, nil
	}

	var user api.UserPayload
	if err := b.client.GetJSON(ctx, SessionPath, nil, &user); err != nil {
		if api.IsUnauthorized(err) {
			b.logger.InfoContext(ctx, "Stored session is no longer valid")
			if err := b.tokens.ClearCredentials(ctx); err != nil {
				b.logger.WarnContext(ctx, "Failed to clear credentials", log.FieldError, err)
			}
			return nil, nil
		}
		return nil, err
	}

	s := user.Session()
	// the token may have been rotated by a refresh during GetJSON
	if s.AccessToken, err = b.tokens.AccessToken(ctx); err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	if err := b.tokens.SetUser(ctx, s); err != nil {
		b.logger.WarnContext(ctx, "Failed to cache user", log.FieldError, err)
	}
	return s, nil
}

// Verify exchanges an email confirmation token for a session without
// touching local storage.
func (b *HTTPBackend) Verify(ctx context.Context, tokenHash, typ string) (*core.Session, core.Credentials, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return nil, core.Credentials{}, ErrVerificationFailed
	}
	if typ == "" {
		typ = "signup"
	}
	req, err := api.JSONRequest(http.MethodPost, VerifyPath, map[string]string{
		"token_hash": tokenHash,
		"type":       typ,
	})
	if err != nil {
		return nil, core.Credentials{}, err
	}
	resp, err := b.client.DoAnonymous(ctx, req)
	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) && se.Status < 500 || api.IsUnauthorized(err) {
			return nil, core.Credentials{}, ErrVerificationFailed
		}
		return nil, core.Credentials{}, err
	}

	var payload api.AuthPayload
	if err := resp.Decode(&payload); err != nil {
		return nil, core.Credentials{}, err
	}
	s := payload.Session(b.now())
	if s == nil {
		return nil, core.Credentials{}, ErrVerificationFailed
	}
	return s, payload.Credentials(), nil
}

// VerifyOTP confirms an email address and signs the user in locally.
func (b *HTTPBackend) VerifyOTP(ctx context.Context, tokenHash, typ string) (*core.Session, error) {
	s, creds, err := b.Verify(ctx, tokenHash, typ)
	if err != nil {
		return nil, err
	}
	if err := b.persist(ctx, api.AuthPayload{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}, s); err != nil {
		return nil, err
	}
	b.emit(Change{Kind: SignedIn, Session: s})
	return s, nil
}

func (b *HTTPBackend) persist(ctx context.Context, payload api.AuthPayload, s *core.Session) error {
	if err := b.tokens.SaveCredentials(ctx, payload.Credentials()); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := b.tokens.SetUser(ctx, s); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// isRejected reports a 4xx answer to an auth request.
func isRejected(err error) bool {
	if api.IsUnauthorized(err) {
		return true
	}
	var se *api.StatusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500
}

func message(err error) string {
	var se *api.StatusError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
