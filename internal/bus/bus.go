// Package bus carries session change notifications between client
// instances sharing the same credential store.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	SessionChanged Kind = "session_changed"
	SignedOut      Kind = "signed_out"
)

// Event is one broadcast notification. Origin is the publishing instance;
// receivers ignore their own events.
type Event struct {
	Kind   Kind      `json:"kind"`
	Origin string    `json:"origin"`
	UserID string    `json:"userId,omitempty"`
	At     time.Time `json:"at"`
}

var ErrClosed = errors.New("bus closed")

// Bus is a broadcast channel. Every subscriber of every instance attached
// to the same bus receives every published event.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(fn func(Event)) (unsubscribe func())
	Close() error
}

// Local is an in-process Bus. Handlers run synchronously on the
// publisher's goroutine, outside any lock.
type Local struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Event)
	closed   bool
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]func(Event))}
}

func (l *Local) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	fns := make([]func(Event), 0, len(l.handlers))
	for _, fn := range l.handlers {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (l *Local) Subscribe(fn func(Event)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.handlers, id)
			l.mu.Unlock()
		})
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.handlers = make(map[int]func(Event))
	l.mu.Unlock()
	return nil
}

// Dispatcher fans events out to local subscribers. Network-backed buses
// embed it and feed it from their consumer loop.
type Dispatcher struct {
	local *Local
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{local: NewLocal()}
}

func (d *Dispatcher) Subscribe(fn func(Event)) (unsubscribe func()) {
	return d.local.Subscribe(fn)
}

// Dispatch delivers ev to every subscriber.
func (d *Dispatcher) Dispatch(ev Event) {
	_ = d.local.Publish(context.Background(), ev)
}

func (d *Dispatcher) CloseSubscribers() {
	_ = d.local.Close()
}
