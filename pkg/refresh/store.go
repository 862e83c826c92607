package refresh

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists refresh tokens
type Store interface {
	Create(ctx context.Context, token *Token) error
	GetByHash(ctx context.Context, hash string) (*Token, error)
	Get(ctx context.Context, id uuid.UUID) (*Token, error)

	// Rotate marks oldID redeemed and inserts successor atomically. It
	// returns ErrAlreadyRedeemed when oldID is no longer active or its
	// family has been revoked.
	Rotate(ctx context.Context, oldID uuid.UUID, at time.Time, successor *Token) error

	// Replace revokes oldID and starts successor's family atomically. It
	// returns ErrAlreadyRedeemed when oldID is no longer active.
	Replace(ctx context.Context, oldID uuid.UUID, at time.Time, successor *Token) error

	// RevokeFamily revokes every token in the family that is not already
	// revoked and returns how many changed
	RevokeFamily(ctx context.Context, familyID uuid.UUID, at time.Time) (int64, error)

	// Revoke revokes a single token
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}
