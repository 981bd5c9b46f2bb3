package store

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// StateCleanupInterval is how often expired flow state is purged from memory.
const StateCleanupInterval = 1 * time.Minute

// MemoryStateStore is an in-process StateStore. It only works when the
// redirect and the callback reach the same process.
type MemoryStateStore struct {
	mu    sync.Mutex // makes Get+Delete in Take atomic
	cache *cache.Cache
}

// NewMemoryStateStore creates an in-memory flow state store with StateTTL expiry.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{cache: cache.New(StateTTL, StateCleanupInterval)}
}

// Put saves state for key.
func (s *MemoryStateStore) Put(ctx context.Context, key string, st *FlowState) error {
	cp := *st
	s.cache.Set(key, &cp, cache.DefaultExpiration)
	return nil
}

// Take returns and deletes the state for key.
func (s *MemoryStateStore) Take(ctx context.Context, key string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	s.cache.Delete(key)
	return v.(*FlowState), nil
}

// Close drops all pending state.
func (s *MemoryStateStore) Close() error {
	s.cache.Flush()
	return nil
}
