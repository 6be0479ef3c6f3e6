// Package ratelimit is a fixed-window per-client limiter for the hook
// endpoints. Each client gets RequestsPerMinute requests in a window that
// opens with its first request.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	window = time.Minute
	// clients idle for longer than this are forgotten
	staleAfter = 10 * time.Minute
)

// Limiter tracks request counts per client key.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*clientWindow
	limit   int
	now     func() time.Time
	limited int64

	stop     chan struct{}
	stopOnce sync.Once
}

type clientWindow struct {
	start time.Time
	last  time.Time
	count int
}

// Config holds rate limiter configuration
type Config struct {
	RequestsPerMinute int
	CleanupInterval   time.Duration
}

// DefaultConfig returns the limits used when Config fields are zero.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		CleanupInterval:   5 * time.Minute,
	}
}

// NewLimiter starts a limiter and its cleanup loop. Call Stop to end it.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	rl := &Limiter{
		windows: make(map[string]*clientWindow),
		limit:   cfg.RequestsPerMinute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop(cfg.CleanupInterval)
	return rl
}

// Allow reports whether key may make another request now.
func (rl *Limiter) Allow(key string) bool {
	ok, _ := rl.take(key)
	return ok
}

// take counts a request for key. When the request is refused it also
// returns how long until the client's window resets.
func (rl *Limiter) take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= window {
		rl.windows[key] = &clientWindow{start: now, last: now, count: 1}
		return true, 0
	}
	w.last = now
	if w.count >= rl.limit {
		atomic.AddInt64(&rl.limited, 1)
		return false, w.start.Add(window).Sub(now)
	}
	w.count++
	return true, 0
}

func (rl *Limiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.forgetIdle()
		case <-rl.stop:
			return
		}
	}
}

func (rl *Limiter) forgetIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-staleAfter)
	for key, w := range rl.windows {
		if w.last.Before(cutoff) {
			delete(rl.windows, key)
		}
	}
}

// ActiveClients returns the number of currently tracked clients
func (rl *Limiter) ActiveClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *Limiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Metrics is a point-in-time view of the limiter.
type Metrics struct {
	TotalHits   int64 // refused requests
	ClientCount int64
}

func (rl *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalHits:   atomic.LoadInt64(&rl.limited),
		ClientCount: int64(rl.ActiveClients()),
	}
}

// Middleware refuses requests over the limit. clientKey identifies the
// caller; onLimit, when set, replaces the default 429 response. The
// default response carries Retry-After in whole seconds.
func (rl *Limiter) Middleware(clientKey func(*http.Request) string, onLimit func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := rl.take(clientKey(r))
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			if onLimit != nil {
				onLimit(w, r)
				return
			}
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		})
	}
}
