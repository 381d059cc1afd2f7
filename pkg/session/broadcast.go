package session

import (
	"context"
	"sync"
	"time"
)

// EventKind classifies a cross-instance session event.
type EventKind string

const (
	// EventRefreshed announces a session's extended expiry.
	EventRefreshed EventKind = "refreshed"
	// EventSignedOut announces a session teardown.
	EventSignedOut EventKind = "signed_out"
	// EventCreated announces a newly persisted session.
	EventCreated EventKind = "created"
)

// Event is one session change broadcast between instances. Origin and Seq
// make stale delivery detectable: each origin stamps its events with a
// monotonically increasing sequence, and receivers discard any event whose
// sequence is not newer than the last seen from that origin.
type Event struct {
	Kind      EventKind `json:"kind"`
	Key       string    `json:"key"`
	Origin    string    `json:"origin"`
	Seq       uint64    `json:"seq"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	At        time.Time `json:"at"`
}

// Broadcaster distributes session events to sibling instances. Subscribe
// returns an unsubscribe function; handlers are invoked sequentially per
// subscriber and must not block.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(handler func(Event)) (unsubscribe func())
	Close() error
}

// LocalBroadcaster delivers events to subscribers within the same process.
// It backs single-instance deployments and tests; multi-instance
// deployments use the Redis broadcaster.
type LocalBroadcaster struct {
	mu       sync.RWMutex
	handlers map[int]func(Event)
	nextID   int
	closed   bool
}

// NewLocalBroadcaster creates an in-process broadcaster.
func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{handlers: make(map[int]func(Event))}
}

// Publish delivers the event to every subscriber, including ones registered
// by the publishing manager itself; origin filtering is the receiver's job.
func (b *LocalBroadcaster) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *LocalBroadcaster) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Close drops all subscribers.
func (b *LocalBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]func(Event))
	b.closed = true
	return nil
}
