// Package memory provides in-memory roster stores for tests and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tally/internal/roster"
	"tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

// StudentStore stores students in memory.
type StudentStore struct {
	mu       sync.RWMutex
	students map[domain.StudentID]*roster.Student
	byCode   map[string]domain.StudentID
}

// NewStudentStore constructs an empty in-memory student store.
func NewStudentStore() *StudentStore {
	return &StudentStore{
		students: make(map[domain.StudentID]*roster.Student),
		byCode:   make(map[string]domain.StudentID),
	}
}

func (s *StudentStore) Insert(_ context.Context, student *roster.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byCode[student.Code]; exists {
		return fmt.Errorf("student code already exists: %w", sentinel.ErrConflict)
	}
	copied := *student
	s.students[student.ID] = &copied
	s.byCode[student.Code] = student.ID
	return nil
}

func (s *StudentStore) Get(_ context.Context, id domain.StudentID) (*roster.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if student, ok := s.students[id]; ok {
		copied := *student
		return &copied, nil
	}
	return nil, fmt.Errorf("student not found: %w", sentinel.ErrNotFound)
}

func (s *StudentStore) GetByCode(_ context.Context, code string) (*roster.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byCode[code]; ok {
		copied := *s.students[id]
		return &copied, nil
	}
	return nil, fmt.Errorf("student not found: %w", sentinel.ErrNotFound)
}

func (s *StudentStore) List(_ context.Context) ([]roster.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]roster.Student, 0, len(s.students))
	for _, student := range s.students {
		out = append(out, *student)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// ItemStore stores billable items in memory.
type ItemStore struct {
	mu    sync.RWMutex
	items map[domain.ItemID]*roster.PaymentItem
}

// NewItemStore constructs an empty in-memory item store.
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[domain.ItemID]*roster.PaymentItem)}
}

func (s *ItemStore) Insert(_ context.Context, item *roster.PaymentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	s.items[item.ID] = &copied
	return nil
}

func (s *ItemStore) Get(_ context.Context, id domain.ItemID) (*roster.PaymentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item, ok := s.items[id]; ok {
		copied := *item
		return &copied, nil
	}
	return nil, fmt.Errorf("item not found: %w", sentinel.ErrNotFound)
}

func (s *ItemStore) List(_ context.Context) ([]roster.PaymentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]roster.PaymentItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}
