package claims

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

// EventStore is the append-only audit log. Events are never mutated or
// deleted; versions within one aggregate must never decrease.
type EventStore interface {
	Append(ctx context.Context, event *domain.Event) error
	ForAggregate(ctx context.Context, aggregateID string) ([]*domain.Event, error)
	Query(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryEventStore keeps the event log in memory, indexed by aggregate.
type MemoryEventStore struct {
	mu          sync.RWMutex
	events      []*domain.Event
	byAggregate map[string][]*domain.Event
	versions    map[string]int
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byAggregate: make(map[string][]*domain.Event),
		versions:    make(map[string]int),
	}
}

// Append records an event. A version below the aggregate's last appended
// version is rejected; equal versions are allowed because one mutation may
// emit several events.
func (s *MemoryEventStore) Append(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.versions[event.AggregateID]; ok && event.Version < last {
		return fmt.Errorf("event version %d precedes aggregate %s version %d",
			event.Version, event.AggregateID, last)
	}
	s.events = append(s.events, event)
	s.byAggregate[event.AggregateID] = append(s.byAggregate[event.AggregateID], event)
	s.versions[event.AggregateID] = event.Version
	return nil
}

// ForAggregate returns the aggregate's events in append order.
func (s *MemoryEventStore) ForAggregate(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byAggregate[aggregateID]
	out := make([]*domain.Event, len(events))
	copy(out, events)
	return out, nil
}

// Query returns all events matching the filter in append order.
func (s *MemoryEventStore) Query(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Event
	for _, e := range s.events {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns the total number of stored events.
func (s *MemoryEventStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryEventStore) Close() error { return nil }
