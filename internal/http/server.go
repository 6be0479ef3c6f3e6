// Package http serves the signup email hook and the email confirmation
// route.
package http

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"sort"
	"sync"
	"time"

	"finances/internal/auth"
	"finances/internal/core"
	"finances/internal/hook"
	"finances/internal/log"
	"finances/internal/middleware/ratelimit"
	"finances/internal/middleware/security"
	"finances/internal/middleware/trace"
	appweb "finances/web"
)

// Cookie names set by the confirmation route.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// Verifier completes an email verification without persisting anything
// locally. auth.HTTPBackend implements it.
type Verifier interface {
	Verify(ctx context.Context, tokenHash, typ string) (*core.Session, core.Credentials, error)
}

// Check is a named readiness probe.
type Check func(ctx context.Context) error

type Config struct {
	Addr string
	// DashboardURL receives the browser after a successful confirmation.
	DashboardURL string
	// LoginURL is linked from the error page.
	LoginURL      string
	SecureCookies bool
	// RequestsPerMinute per client on the hook and confirmation routes.
	RequestsPerMinute int
	Checks            map[string]Check
}

type Server struct {
	http.Server
	cfg       Config
	hook      http.Handler
	verifier  Verifier
	templates *template.Template
	limiter   *ratelimit.Limiter
	detector  *security.Detector
	tracer    *trace.Middleware
	logger    *log.Logger

	shutdownOnce sync.Once
}

// NewServer wires routes and middleware, returning a ready-to-run server.
func NewServer(cfg Config, hookHandler http.Handler, verifier Verifier, logger *log.Logger) *Server {
	logger = log.Or(logger, log.ComponentHTTP)
	if cfg.DashboardURL == "" {
		cfg.DashboardURL = "/dashboard"
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = "/login"
	}

	s := &Server{
		cfg:      cfg,
		hook:     hookHandler,
		verifier: verifier,
		limiter:  ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RequestsPerMinute}),
		logger:   logger,
	}

	t, err := template.ParseFS(appweb.TemplatesFS, "templates/confirm_*.html")
	if err != nil {
		logger.Warn("Failed parsing templates", log.FieldError, err)
	}
	s.templates = t

	detector := security.NewDetector(logger)
	tracer := trace.NewMiddleware(detector.ExtractClientIP, logger)
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	limited := s.limiter.Middleware(detector.ExtractClientIP, nil)
	s.detector, s.tracer = detector, tracer

	mux := http.NewServeMux()
	mux.Handle(hook.Path, limited(hookHandler))
	mux.Handle("GET "+hook.ConfirmationPath, limited(security.NoStore(http.HandlerFunc(s.handleConfirmed))))
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           tracer.Middleware(detector.Middleware(headers.Middleware(mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Shutdown stops the limiter, drains the HTTP server and logs the
// request counters gathered while it ran.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
		s.logger.Info("Hook server stopped", s.Stats().fields()...)
	})
	return err
}

// Stats summarizes the middleware counters.
type Stats struct {
	Requests    int64
	RateLimited int64
	Clients     int64
	Suspicious  int64
}

func (st Stats) fields() []any {
	return []any{
		"requests", st.Requests,
		"rate_limited", st.RateLimited,
		log.FieldCount, st.Clients,
		"suspicious", st.Suspicious,
	}
}

// Stats reads the current middleware counters.
func (s *Server) Stats() Stats {
	rl := s.limiter.GetMetrics()
	return Stats{
		Requests:    s.tracer.GetMetrics().TotalRequests,
		RateLimited: rl.TotalHits,
		Clients:     rl.ClientCount,
		Suspicious:  s.detector.GetMetrics().SuspiciousRequests,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.cfg.Checks))
	for name := range s.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, name := range names {
		if err := s.cfg.Checks[name](ctx); err != nil {
			log.FromContext(r.Context()).WarnContext(ctx, "Readiness check failed", "check", name, log.FieldError, err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleConfirmed verifies the link from the confirmation email, stores
// the resulting session in HttpOnly cookies and sends the browser to the
// dashboard.
func (s *Server) handleConfirmed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)
	tokenHash := r.URL.Query().Get("token_hash")
	typ := r.URL.Query().Get("type")
	if tokenHash == "" || typ == "" {
		s.renderFailure(w, r, http.StatusBadRequest, auth.MsgVerificationFailed)
		return
	}

	session, creds, err := s.verifier.Verify(ctx, tokenHash, typ)
	if err != nil {
		if errors.Is(err, auth.ErrVerificationFailed) {
			logger.WarnContext(ctx, "Email verification rejected", log.FieldOperation, log.OpConfirm)
			s.renderFailure(w, r, http.StatusBadRequest, auth.MsgVerificationFailed)
			return
		}
		logger.ErrorContext(ctx, "Email verification failed", log.FieldOperation, log.OpConfirm, log.FieldError, err)
		s.renderFailure(w, r, http.StatusBadGateway, "We could not reach the server. Please try the link again later.")
		return
	}

	maxAge := 0
	if session != nil && session.ExpiresAt != nil {
		if secs := int(time.Until(*session.ExpiresAt).Seconds()); secs > 0 {
			maxAge = secs
		}
	}
	http.SetCookie(w, s.cookie(AccessTokenCookie, creds.AccessToken, maxAge))
	if creds.RefreshToken != "" {
		http.SetCookie(w, s.cookie(RefreshTokenCookie, creds.RefreshToken, 30*24*60*60))
	}
	if session != nil {
		logger.InfoContext(ctx, "Email confirmed", log.FieldOperation, log.OpConfirm, log.FieldUserID, session.UserID)
	}
	http.Redirect(w, r, s.cfg.DashboardURL, http.StatusSeeOther)
}

func (s *Server) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) renderFailure(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.templates == nil {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(template.HTMLEscapeString(msg)))
		return
	}
	w.WriteHeader(status)
	data := struct{ Message, LoginURL string }{Message: msg, LoginURL: s.cfg.LoginURL}
	if err := s.templates.ExecuteTemplate(w, "confirm_failed.html", data); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Template execution failed", log.FieldError, err, "template", "confirm_failed.html")
	}
}

// ReachableCheck reports ready once url answers at all. Any HTTP status
// counts; only transport failures do not.
func ReachableCheck(url string, client *http.Client) Check {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}
