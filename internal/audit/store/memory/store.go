// Package memory provides the in-memory audit store used by unit tests and
// single-process development runs.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"tally/internal/audit"
	"tally/pkg/domain"
)

// Store is an append-only in-memory audit event store.
type Store struct {
	mu        sync.RWMutex
	events    []audit.Event
	published map[uuid.UUID]bool
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{published: make(map[uuid.UUID]bool)}
}

// Append records an event. IDs are assigned when missing.
func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	s.events = append(s.events, event)
	return nil
}

// ListByTransaction returns events for one transaction in append order.
func (s *Store) ListByTransaction(_ context.Context, txID domain.TransactionID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListUnpublished returns events not yet marked published, oldest first.
func (s *Store) ListUnpublished(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if !s.published[e.ID] {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// MarkPublished flags events as shipped to the event stream.
func (s *Store) MarkPublished(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.published[id] = true
	}
	return nil
}

// All returns a copy of every recorded event, for test assertions.
func (s *Store) All() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events...)
}
