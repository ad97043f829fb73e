package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. It backs deployments
// without Postgres and the test suite; entries do not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// ListOpen implements Store.
func (s *MemoryStore) ListOpen(_ context.Context, after Cursor, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, id := range s.order {
		e := s.entries[id]
		if e.Status != StatusOpen || !after.Less(CursorFor(e)) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return CursorFor(out[i]).Less(CursorFor(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordReprocess implements Store.
func (s *MemoryStore) RecordReprocess(_ context.Context, id string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.ReprocessCount++
	t := at
	e.LastReprocess = &t
	if success {
		e.Status = StatusResolved
	}
	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context, arrivalsSince time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{OpenByTopic: make(map[string]int64)}
	var attempts int64
	for _, e := range s.entries {
		switch e.Status {
		case StatusOpen:
			st.Open++
			st.OpenByTopic[e.Topic]++
		case StatusResolved:
			st.Resolved++
		}
		if !e.CreatedAt.Before(arrivalsSince) {
			st.RecentArrivals++
		}
		attempts += int64(e.ReprocessCount)
	}
	// Entries resolve only through a successful replay, so the resolved
	// count is the success count.
	st.ReprocessSuccesses = st.Resolved
	st.ReprocessFailures = attempts - st.Resolved
	return st, nil
}
