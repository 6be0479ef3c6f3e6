// Package session owns the client's view of who is signed in.
//
// A Provider starts Uninitialized, moves to Loading while the first
// Bootstrap runs, and settles in Authenticated or Unauthenticated. Explicit
// operations (login, register, logout, email confirmation) move it between
// the two settled states. Other instances sharing the credential store are
// told about changes over a bus and re-read the session when they hear one.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"finances/internal/auth"
	"finances/internal/bus"
	"finances/internal/core"
	"finances/internal/log"
	"finances/internal/storage"
)

type State int

const (
	Uninitialized State = iota
	Loading
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Backend is the source of truth for sessions.
type Backend interface {
	SignIn(ctx context.Context, email, password string) (*core.Session, error)
	SignUp(ctx context.Context, p auth.SignUpParams) (*core.Session, error)
	SignOut(ctx context.Context) error
	CurrentSession(ctx context.Context) (*core.Session, error)
	VerifyOTP(ctx context.Context, tokenHash, typ string) (*core.Session, error)
	OnSessionChange(fn func(auth.Change)) (unsubscribe func())
}

// Snapshot is a consistent view of the provider.
type Snapshot struct {
	State   State
	Session *core.Session
	Loading bool
	Err     error
}

// RegisterParams are the fields collected by the sign-up form.
type RegisterParams struct {
	Email    string
	Username string
	Password string
	Language string
}

// RegisterResult is either LoggedIn or ConfirmationPending.
type RegisterResult interface {
	registerResult()
}

// LoggedIn means the backend returned a session immediately.
type LoggedIn struct {
	Session *core.Session
}

// ConfirmationPending means the account exists but the email address must
// be confirmed before a session is issued.
type ConfirmationPending struct {
	Email string
}

func (LoggedIn) registerResult() {}

func (ConfirmationPending) registerResult() {}

type Options struct {
	Backend Backend
	// Tokens receives the display name after login. Optional.
	Tokens *storage.TokenStore
	// Bus broadcasts changes to other instances. Optional.
	Bus bus.Bus
	// Origin identifies this instance on the bus. Generated when empty.
	Origin string
	// RefetchTimeout bounds the re-read triggered by a bus event.
	RefetchTimeout time.Duration
	Logger         *log.Logger
}

type Provider struct {
	backend        Backend
	tokens         *storage.TokenStore
	bus            bus.Bus
	origin         string
	refetchTimeout time.Duration
	logger         *log.Logger

	mu            sync.Mutex
	state         State
	session       *core.Session
	err           error
	bootstrapping bool
	ops           int
	// generation changes whenever a result is applied; a fetch started
	// under an older generation is discarded
	generation  uint64
	nextSubID   int
	subscribers map[int]func(Snapshot)
	unsubs      []func()
	closed      bool
}

func NewProvider(opts Options) *Provider {
	origin := opts.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	timeout := opts.RefetchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	p := &Provider{
		backend:        opts.Backend,
		tokens:         opts.Tokens,
		bus:            opts.Bus,
		origin:         origin,
		refetchTimeout: timeout,
		logger:         log.Or(opts.Logger, log.ComponentSession),
		subscribers:    make(map[int]func(Snapshot)),
	}
	p.unsubs = append(p.unsubs, p.backend.OnSessionChange(p.onBackendChange))
	if p.bus != nil {
		p.unsubs = append(p.unsubs, p.bus.Subscribe(p.onBusEvent))
	}
	return p
}

// Origin is this instance's identifier on the bus.
func (p *Provider) Origin() string { return p.origin }

func (p *Provider) snapshotLocked() Snapshot {
	return Snapshot{
		State:   p.state,
		Session: copySession(p.session),
		Loading: p.state == Loading || p.bootstrapping || p.ops > 0,
		Err:     p.err,
	}
}

func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Provider) State() State { return p.Snapshot().State }

// Loading is true while bootstrapping or while an explicit operation is
// in flight.
func (p *Provider) Loading() bool { return p.Snapshot().Loading }

func (p *Provider) Err() error { return p.Snapshot().Err }

func (p *Provider) Session() *core.Session { return p.Snapshot().Session }

// UserID returns the signed-in user's id, or "".
func (p *Provider) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.UserID
}

func (p *Provider) ClearError() {
	p.update(func() { p.err = nil })
}

// Subscribe registers fn to receive a snapshot after every change.
func (p *Provider) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// update runs mutate under the lock and notifies subscribers after it is
// released.
func (p *Provider) update(mutate func()) {
	p.mu.Lock()
	mutate()
	snap := p.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// setSessionLocked applies a settled result and starts a new generation.
func (p *Provider) setSessionLocked(s *core.Session) {
	p.generation++
	p.session = copySession(s)
	if s == nil {
		p.state = Unauthenticated
	} else {
		p.state = Authenticated
	}
}

// Bootstrap reads the current session from the backend. Its result is
// discarded if an explicit operation completes while it runs.
func (p *Provider) Bootstrap(ctx context.Context) error {
	var gen uint64
	p.update(func() {
		p.generation++
		gen = p.generation
		p.bootstrapping = true
		if p.state == Uninitialized {
			p.state = Loading
		}
	})

	s, err := p.backend.CurrentSession(ctx)

	p.update(func() {
		p.bootstrapping = false
		if p.generation != gen {
			p.logger.DebugContext(ctx, "Discarding stale bootstrap result", log.FieldOperation, log.OpBootstrap)
			return
		}
		if err != nil {
			p.err = err
			p.setSessionLocked(nil)
			return
		}
		p.setSessionLocked(s)
	})

	if err != nil {
		p.logger.WarnContext(ctx, "Session bootstrap failed", log.FieldOperation, log.OpBootstrap, log.FieldError, err)
		return fmt.Errorf("bootstrap session: %w", err)
	}
	p.logger.DebugContext(ctx, "Session bootstrapped",
		log.FieldSessionState, p.State().String())
	return nil
}

// refetch re-reads the session after another instance reported a change.
// Failures leave the current state alone.
func (p *Provider) refetch(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	gen := p.generation
	p.mu.Unlock()

	s, err := p.backend.CurrentSession(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "Session re-read failed", log.FieldError, err)
		return
	}
	p.update(func() {
		if p.generation != gen || p.closed {
			return
		}
		p.setSessionLocked(s)
	})
}

func (p *Provider) beginOp() {
	p.update(func() {
		p.ops++
		p.err = nil
	})
}

// endOp settles an explicit operation. With a non-nil err only the error
// slot changes.
func (p *Provider) endOp(err error, apply func()) {
	p.update(func() {
		p.ops--
		if err != nil {
			p.err = err
			return
		}
		if apply != nil {
			apply()
		}
	})
}

// Login signs in with email and password. The error is also kept in the
// error slot until the next operation or ClearError.
func (p *Provider) Login(ctx context.Context, email, password string) (*core.Session, error) {
	p.beginOp()
	s, err := p.backend.SignIn(ctx, email, password)
	if err != nil {
		p.logger.InfoContext(ctx, "Login failed", log.FieldOperation, log.OpLogin, log.FieldError, err)
		p.endOp(err, nil)
		return nil, err
	}
	p.rememberDisplayName(ctx, s)
	p.endOp(nil, func() { p.setSessionLocked(s) })
	p.logger.InfoContext(ctx, "Logged in", log.FieldOperation, log.OpLogin, log.FieldUserID, s.UserID)
	p.publish(ctx, bus.SessionChanged, s.UserID)
	return copySession(s), nil
}

// Register creates an account. The result tells whether the user is now
// signed in or must confirm the email address first.
func (p *Provider) Register(ctx context.Context, params RegisterParams) (RegisterResult, error) {
	p.beginOp()
	s, err := p.backend.SignUp(ctx, auth.SignUpParams{
		Email:    params.Email,
		Password: params.Password,
		Username: params.Username,
		Language: params.Language,
	})
	if err != nil {
		p.logger.InfoContext(ctx, "Registration failed", log.FieldOperation, log.OpRegister, log.FieldError, err)
		p.endOp(err, nil)
		return nil, err
	}
	if s == nil {
		p.endOp(nil, nil)
		return ConfirmationPending{Email: params.Email}, nil
	}
	p.rememberDisplayName(ctx, s)
	p.endOp(nil, func() { p.setSessionLocked(s) })
	p.logger.InfoContext(ctx, "Registered and logged in", log.FieldOperation, log.OpRegister, log.FieldUserID, s.UserID)
	p.publish(ctx, bus.SessionChanged, s.UserID)
	return LoggedIn{Session: copySession(s)}, nil
}

// Logout ends the session. Backend failures are logged; local state,
// credentials and the cached display name are cleared regardless.
func (p *Provider) Logout(ctx context.Context) error {
	p.beginOp()
	userID := p.UserID()
	if err := p.backend.SignOut(ctx); err != nil {
		p.logger.WarnContext(ctx, "Backend sign out failed, clearing local session anyway",
			log.FieldOperation, log.OpLogout, log.FieldError, err)
	}
	var clearErr error
	if p.tokens != nil {
		if err := p.tokens.ClearCredentials(ctx); err != nil {
			clearErr = fmt.Errorf("clear credentials: %w", err)
		}
	}
	p.endOp(nil, func() {
		p.setSessionLocked(nil)
		p.err = clearErr
	})
	p.logger.InfoContext(ctx, "Logged out", log.FieldOperation, log.OpLogout, log.FieldUserID, userID)
	p.publish(ctx, bus.SignedOut, userID)
	return clearErr
}

// ConfirmEmail completes a sign-up confirmation link and signs the user in.
func (p *Provider) ConfirmEmail(ctx context.Context, tokenHash, typ string) (*core.Session, error) {
	p.beginOp()
	s, err := p.backend.VerifyOTP(ctx, tokenHash, typ)
	if err != nil {
		p.logger.InfoContext(ctx, "Email confirmation failed", log.FieldOperation, log.OpConfirm, log.FieldError, err)
		p.endOp(err, nil)
		return nil, err
	}
	p.rememberDisplayName(ctx, s)
	p.endOp(nil, func() { p.setSessionLocked(s) })
	p.publish(ctx, bus.SessionChanged, s.UserID)
	return copySession(s), nil
}

func (p *Provider) rememberDisplayName(ctx context.Context, s *core.Session) {
	if p.tokens == nil {
		return
	}
	if err := p.tokens.SetUsername(ctx, s.DisplayName()); err != nil {
		p.logger.WarnContext(ctx, "Failed to store display name", log.FieldError, err)
	}
}

func (p *Provider) publish(ctx context.Context, kind bus.Kind, userID string) {
	if p.bus == nil {
		return
	}
	err := p.bus.Publish(ctx, bus.Event{Kind: kind, Origin: p.origin, UserID: userID, At: time.Now()})
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		p.logger.WarnContext(ctx, "Failed to broadcast session change", log.FieldEvent, kind, log.FieldError, err)
	}
}

func (p *Provider) onBackendChange(c auth.Change) {
	switch c.Kind {
	case auth.SignedIn:
		if c.Session != nil {
			p.update(func() { p.setSessionLocked(c.Session) })
		}
	case auth.TokenRefreshed:
		p.update(func() {
			if p.session == nil {
				return
			}
			if c.Session != nil && c.Session.UserID == p.session.UserID {
				p.session = copySession(c.Session)
			}
		})
	case auth.SignedOut, auth.SessionExpired:
		p.update(func() {
			if p.state == Authenticated {
				p.setSessionLocked(nil)
			}
		})
		if c.Kind == auth.SessionExpired {
			p.logger.Info("Session expired")
		}
	}
}

func (p *Provider) onBusEvent(ev bus.Event) {
	if ev.Origin == p.origin {
		return
	}
	p.logger.Debug("Session changed elsewhere, re-reading",
		log.FieldEvent, ev.Kind, log.FieldOrigin, ev.Origin)
	ctx, cancel := context.WithTimeout(context.Background(), p.refetchTimeout)
	defer cancel()
	p.refetch(ctx)
}

// Close detaches the provider from the backend and the bus and drops all
// subscribers.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unsubs := p.unsubs
	p.unsubs = nil
	p.subscribers = make(map[int]func(Snapshot))
	p.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func copySession(s *core.Session) *core.Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
