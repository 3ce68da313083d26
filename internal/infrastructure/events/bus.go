// Package events provides a channel-based publish/subscribe bus for claims
// domain events. The bus is a live notification path for in-process
// projections; the event store remains the durable audit log.
package events

import (
	"sync"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

// Handler consumes a published event synchronously.
type Handler func(event *domain.Event)

// matchAll subscribes to every event type.
const matchAll domain.EventType = "*"

// Bus fans published events out to channel subscribers and registered
// handlers. Channel sends never block: a subscriber that falls behind loses
// events rather than stalling publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[domain.EventType][]chan *domain.Event
	handlers    map[domain.EventType][]Handler
	bufferSize  int
	closed      bool
}

// Option configures the Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.bufferSize = size }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[domain.EventType][]chan *domain.Event),
		handlers:    make(map[domain.EventType][]Handler),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving events of one type.
func (b *Bus) Subscribe(t domain.EventType) <-chan *domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *domain.Event, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)
	return ch
}

// SubscribeAll returns a channel receiving every event.
func (b *Bus) SubscribeAll() <-chan *domain.Event {
	return b.Subscribe(matchAll)
}

// On registers a synchronous handler for one event type.
func (b *Bus) On(t domain.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// OnAll registers a synchronous handler for every event.
func (b *Bus) OnAll(h Handler) {
	b.On(matchAll, h)
}

// Publish delivers an event to matching subscribers and handlers.
func (b *Bus) Publish(event *domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var handlers []Handler
	for _, t := range []domain.EventType{event.Type, matchAll} {
		for _, ch := range b.subscribers[t] {
			select {
			case ch <- event:
			default:
			}
		}
		handlers = append(handlers, b.handlers[t]...)
	}
	b.mu.RUnlock()

	// Handlers run outside the lock so they may subscribe or register
	// further handlers without deadlocking.
	for _, h := range handlers {
		h(event)
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subscribers {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subscribers = make(map[domain.EventType][]chan *domain.Event)
}
