// Package memory provides the default in-process journal driver.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/config"
	"github.com/makorehaps/dkpbot/internal/event"
	"github.com/makorehaps/dkpbot/internal/store"
)

func init() {
	store.Register("memory", open)
}

func open(_ context.Context, _ config.JournalConfig, clk clock.Clock) (*store.Journal, error) {
	return &store.Journal{
		Events: NewEventStore(clk),
		Closer: store.NopCloser{},
		Ping:   func(context.Context) error { return nil },
	}, nil
}

// EventStore is an event.Store held in process memory. It is safe for
// concurrent use.
type EventStore struct {
	mu     sync.RWMutex
	events []event.Event
	clock  clock.Clock
}

// NewEventStore returns an empty EventStore.
func NewEventStore(clk clock.Clock) *EventStore {
	return &EventStore{clock: clk}
}

// Append stores events, assigning ids and timestamps where missing.
func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.clock.Now().UTC()
		}
		s.events = append(s.events, e)
	}
	return nil
}

// Load returns the aggregate's events ordered by version.
func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.mu.RLock()
	var out []event.Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b event.Event) int { return a.Version - b.Version })
	return out, nil
}

// LoadByType returns events of type t, oldest first.
func (s *EventStore) LoadByType(_ context.Context, t event.Type) ([]event.Event, error) {
	s.mu.RLock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b event.Event) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}
