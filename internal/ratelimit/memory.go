package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryRecord struct {
	hits    []int64
	updated time.Time
}

// MemoryStore keeps hits in process memory, keyed by the raw identifier. It
// is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord), now: time.Now}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return slices.Clone(rec.hits), nil
	}
	return nil, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, key string, fn func([]int64) []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &memoryRecord{}
		s.records[key] = rec
	}
	rec.hits = fn(slices.Clone(rec.hits))
	rec.updated = s.now()
	return slices.Clone(rec.hits), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Cleanup implements Store.
func (s *MemoryStore) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.records {
		if rec.updated.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
