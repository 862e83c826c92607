// Package replay guarantees that an exchange token id (jti) is consumed at
// most once across every service instance.
package replay

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInvalidTTL is returned for a non-positive retention period
	ErrInvalidTTL = errors.New("replay: ttl must be positive")
	// ErrEmptyID is returned for an empty token id
	ErrEmptyID = errors.New("replay: token id is required")
)

// Store is a TTL set with atomic insert-if-absent semantics
type Store interface {
	// TryConsume records jti for ttl. It returns true only for the first
	// caller; every later call within ttl returns false. Errors mean the
	// outcome is unknown and callers must deny.
	TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

func validate(jti string, ttl time.Duration) error {
	if jti == "" {
		return ErrEmptyID
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MemoryStore is a process-local Store for tests and single-node development
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

// TryConsume implements Store
func (s *MemoryStore) TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if err := validate(jti, ttl); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, ok := s.entries[jti]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.entries[jti] = now.Add(ttl)
	s.sweep(now)
	return true, nil
}

// sweep drops expired entries once the map grows; callers hold mu
func (s *MemoryStore) sweep(now time.Time) {
	if len(s.entries) < 1024 {
		return
	}
	for jti, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, jti)
		}
	}
}
