// Package memory keeps digests in-process for tests and throwaway runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// Store is a concurrency-safe in-memory digest store.
type Store struct {
	mu      sync.RWMutex
	digests tracker.Digests
	saves   int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{digests: make(tracker.Digests)}
}

// NewStoreWith creates a store pre-populated with a copy of seed.
func NewStoreWith(seed tracker.Digests) *Store {
	return &Store{digests: seed.Clone()}
}

// Load returns the known digests for urls.
func (s *Store) Load(_ context.Context, urls []tracker.TrackedURL) (tracker.Digests, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(tracker.Digests, len(urls))
	for _, u := range urls {
		if d, ok := s.digests[u]; ok {
			out[u] = d
		}
	}
	return out, nil
}

// Save merges digests into the store.
func (s *Store) Save(_ context.Context, digests tracker.Digests) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.digests = s.digests.Merge(digests)
	s.saves++
	return nil
}

// Snapshot returns a copy of everything stored.
func (s *Store) Snapshot() tracker.Digests {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digests.Clone()
}

// Saves reports how many times Save has been called.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
