package journal

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

// Save implements [Store.Save].
func (s *MemStore) Save(_ context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Image = slices.Clone(e.Image)
	e.Messages = slices.Clone(e.Messages)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		s.entries = make(map[string]Entry)
	}
	if _, exists := s.entries[e.ID]; exists {
		return Entry{}, ErrDuplicateID
	}
	s.entries[e.ID] = e
	return e, nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Image = slices.Clone(e.Image)
	e.Messages = slices.Clone(e.Messages)
	return e, nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	result := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Image = nil
		e.Messages = nil
		result = append(result, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b Entry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AppendMessages implements [Store.AppendMessages].
func (s *MemStore) AppendMessages(_ context.Context, id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		e.Messages = append(e.Messages, m)
	}
	s.entries[id] = e
	return nil
}
