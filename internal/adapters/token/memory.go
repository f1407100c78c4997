package token

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps revocations in process.
type MemoryStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{revoked: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Revoke(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	s.revoked[id] = until
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.revoked[id]
	if !ok {
		return false, nil
	}
	if s.now().After(until) {
		delete(s.revoked, id)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revoked)
}

// sweep drops entries past their expiry; mu must be held.
func (s *MemoryStore) sweep() {
	now := s.now()
	for id, until := range s.revoked {
		if now.After(until) {
			delete(s.revoked, id)
		}
	}
}
