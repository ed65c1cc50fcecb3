package token

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps redeemed ids in process memory. Expired ids are swept
// on write.
type MemoryStore struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

var _ NonceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		used: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Consume implements NonceStore.Consume
func (s *MemoryStore) Consume(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.used {
		if !now.Before(exp) {
			delete(s.used, k)
		}
	}
	if _, ok := s.used[id]; ok {
		return false, nil
	}
	s.used[id] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
