package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded Store for tests and single-node runs
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Token
	byHash map[string]uuid.UUID
	// revoked families refuse further rotation
	revoked map[uuid.UUID]bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uuid.UUID]*Token),
		byHash:  make(map[string]uuid.UUID),
		revoked: make(map[uuid.UUID]bool),
	}
}

func copyToken(t *Token) *Token {
	c := *t
	return &c
}

// Create implements Store
func (s *MemoryStore) Create(ctx context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(token)
	return nil
}

func (s *MemoryStore) put(token *Token) {
	s.byID[token.ID] = copyToken(token)
	s.byHash[token.TokenHash] = token.ID
}

// GetByHash implements Store
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(s.byID[id]), nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(t), nil
}

// Rotate implements Store
func (s *MemoryStore) Rotate(ctx context.Context, oldID uuid.UUID, at time.Time, successor *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[oldID]
	if !ok || old.State != StateActive || s.revoked[successor.FamilyID] {
		return ErrAlreadyRedeemed
	}
	old.State = StateRedeemed
	redeemed := at
	old.RedeemedAt = &redeemed
	next := successor.ID
	old.ReplacedBy = &next
	s.put(successor)
	return nil
}

// Replace implements Store
func (s *MemoryStore) Replace(ctx context.Context, oldID uuid.UUID, at time.Time, successor *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[oldID]
	if !ok || old.State != StateActive {
		return ErrAlreadyRedeemed
	}
	old.State = StateRevoked
	revoked := at
	old.RevokedAt = &revoked
	next := successor.ID
	old.ReplacedBy = &next
	s.put(successor)
	return nil
}

// RevokeFamily implements Store
func (s *MemoryStore) RevokeFamily(ctx context.Context, familyID uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[familyID] = true
	var n int64
	for _, t := range s.byID {
		if t.FamilyID == familyID && t.State != StateRevoked {
			t.State = StateRevoked
			revoked := at
			t.RevokedAt = &revoked
			n++
		}
	}
	return n, nil
}

// Revoke implements Store
func (s *MemoryStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[id]; ok && t.State != StateRevoked {
		t.State = StateRevoked
		revoked := at
		t.RevokedAt = &revoked
	}
	return nil
}
