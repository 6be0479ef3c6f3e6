// Package api is the authenticated HTTP client for the finance backend.
//
// Every request carries the stored access token and the client identifier.
// A 401 triggers one token refresh and one retry of the original request;
// concurrent 401s share a single refresh.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"finances/internal/core"
	"finances/internal/log"
	"finances/internal/storage"
)

const (
	RefreshPath    = "/api/auth/refresh"
	ClientIDHeader = "X-Client-Id"

	maxResponseBytes = 10 << 20
	refreshTimeout   = 30 * time.Second
)

// Request describes one backend call. Body is sent verbatim, and again
// unchanged if the call is retried.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RefreshEvent is delivered to refresh listeners.
type RefreshEvent struct {
	Credentials core.Credentials
	User        *core.Session // nil unless the backend returned the user
	Err         error         // set when the refresh failed
}

// Options configure a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client performs authenticated backend requests.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *storage.TokenStore
	logger  *log.Logger
	now     func() time.Time

	refreshGroup singleflight.Group

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(RefreshEvent)
}

func NewClient(tokens *storage.TokenStore, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClientWithPooling(opts.Timeout)
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		http:      httpClient,
		tokens:    tokens,
		logger:    log.Or(opts.Logger, log.ComponentAPI),
		now:       time.Now,
		listeners: make(map[int]func(RefreshEvent)),
	}
}

// newHTTPClientWithPooling keeps connections to the backend alive between calls.
func newHTTPClientWithPooling(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// OnRefresh registers fn to run after every refresh attempt. The returned
// function removes the listener.
func (c *Client) OnRefresh(fn func(RefreshEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) notify(ev RefreshEvent) {
	c.mu.Lock()
	fns := make([]func(RefreshEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Tokens exposes the credential store the client reads from.
func (c *Client) Tokens() *storage.TokenStore {
	return c.tokens
}

// Do sends req with the stored access token. On 401 it refreshes the token
// and retries exactly once.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return checkStatus(resp)
	}

	c.logger.DebugContext(ctx, "Request unauthorized, refreshing token",
		log.FieldMethod, req.Method, log.FieldPath, req.Path)

	fresh, err := c.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = c.send(ctx, req, fresh)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		c.logger.WarnContext(ctx, "Request still unauthorized after refresh",
			log.FieldMethod, req.Method, log.FieldPath, req.Path)
		return nil, ErrUnauthorized
	}
	return checkStatus(resp)
}

// DoAnonymous sends req without a bearer token and without refresh handling.
// Used for the auth endpoints themselves.
func (c *Client) DoAnonymous(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.send(ctx, req, "")
	if err != nil {
		return nil, err
	}
	return checkStatus(resp)
}

// GetJSON issues an authenticated GET and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// SendJSON issues an authenticated request with in as JSON body and decodes
// the response into out. Either may be nil.
func (c *Client) SendJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := JSONRequest(method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// JSONRequest builds a Request with in encoded as its JSON body.
func JSONRequest(method, path string, in any) (Request, error) {
	req := Request{Method: method, Path: path}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return Request{}, fmt.Errorf("encode request: %w", err)
		}
		req.Body = body
		req.Header = http.Header{"Content-Type": []string{"application/json"}}
	}
	return req, nil
}

func checkStatus(resp *Response) (*Response, error) {
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	if resp.Status == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	return nil, newStatusError(resp.Status, resp.Body)
}

func (c *Client) send(ctx context.Context, req Request, token string) (*Response, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Del("Authorization")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if c.tokens != nil {
		if id, err := c.tokens.ClientID(ctx); err == nil {
			httpReq.Header.Set(ClientIDHeader, id)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	start := c.now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: req.Path, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Method: method, Path: req.Path, Err: err}
	}

	c.logger.DebugContext(ctx, "Backend response",
		log.FieldMethod, method,
		log.FieldPath, req.Path,
		log.FieldStatusCode, httpResp.StatusCode,
		log.FieldDuration, c.now().Sub(start).Milliseconds())

	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// refresh returns a usable access token after stale was rejected. Callers
// racing on the same stale token share one refresh call. A caller whose
// stale token was already replaced in storage reuses the stored token.
//
// The shared call runs detached from any single caller, bounded by
// refreshTimeout. A caller that gives up returns its own ctx.Err() and
// leaves the refresh running for the others.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	ch := c.refreshGroup.DoChan(RefreshPath, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		current, err := c.tokens.AccessToken(rctx)
		if err != nil {
			return "", fmt.Errorf("read access token: %w", err)
		}
		if current != "" && current != stale {
			return current, nil
		}
		return c.doRefresh(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// doRefresh exchanges the refresh token. Only a rejection by the backend
// (a 4xx, or no refresh token to send) yields ErrUnauthorized and a failed
// RefreshEvent; network errors and 5xx answers are returned as they are and
// leave the session alone.
func (c *Client) doRefresh(ctx context.Context) (string, error) {
	creds, err := c.tokens.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	if creds.RefreshToken == "" {
		c.notify(RefreshEvent{Err: ErrUnauthorized})
		return "", fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}

	req, err := JSONRequest(http.MethodPost, RefreshPath, map[string]string{"refreshToken": creds.RefreshToken})
	if err != nil {
		return "", err
	}
	resp, err := c.DoAnonymous(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "Token refresh failed", log.FieldOperation, log.OpRefresh, log.FieldError, err)
		if !refreshRejected(err) {
			return "", fmt.Errorf("refresh token: %w", err)
		}
		c.notify(RefreshEvent{Err: err})
		return "", fmt.Errorf("%w: refresh failed: %v", ErrUnauthorized, err)
	}

	var payload AuthPayload
	if err := resp.Decode(&payload); err != nil || payload.AccessToken == "" {
		c.notify(RefreshEvent{Err: ErrUnauthorized})
		return "", fmt.Errorf("%w: refresh returned no access token", ErrUnauthorized)
	}

	fresh := payload.Credentials()
	if err := c.tokens.RotateCredentials(ctx, fresh); err != nil {
		return "", fmt.Errorf("save refreshed credentials: %w", err)
	}
	var user *core.Session
	if payload.User != nil {
		user = payload.User.Session()
		if err := c.tokens.SetUser(ctx, user); err != nil {
			c.logger.WarnContext(ctx, "Failed to cache refreshed user", log.FieldError, err)
		}
	}

	c.logger.InfoContext(ctx, "Access token refreshed",
		log.FieldOperation, log.OpRefresh,
		"rotated_refresh_token", fresh.RefreshToken != "")
	c.notify(RefreshEvent{Credentials: fresh, User: user})
	return fresh.AccessToken, nil
}

// refreshRejected reports whether the refresh endpoint refused the token.
func refreshRejected(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500
}

// IsUnauthorized reports whether err means the session can no longer be used.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
