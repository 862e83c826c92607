package refresh

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store on the refresh_tokens table. The SQL is
// portable enough to run on SQLite in tests.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const tokenColumns = `id, family_id, parent_id, user_id, organization_id, token_hash, state,
		       issued_at, expires_at, redeemed_at, revoked_at, replaced_by, device`

func insertToken(ctx context.Context, db execer, t *Token) error {
	device, err := json.Marshal(t.Device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	var parent uuid.NullUUID
	if t.ParentID != nil {
		parent = uuid.NullUUID{UUID: *t.ParentID, Valid: true}
	}

	query := `
		INSERT INTO refresh_tokens (
			id, family_id, parent_id, user_id, organization_id, token_hash, state, issued_at, expires_at, device
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = db.ExecContext(ctx, query,
		t.ID, t.FamilyID, parent, t.UserID, t.OrganizationID, t.TokenHash, string(t.State),
		t.IssuedAt, t.ExpiresAt, string(device),
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// insertFamily records the family of t. Inserting a known family is a no-op.
func insertFamily(ctx context.Context, db execer, t *Token) error {
	query := `
		INSERT INTO refresh_token_families (id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := db.ExecContext(ctx, query, t.FamilyID, t.UserID, t.IssuedAt); err != nil {
		return fmt.Errorf("failed to insert refresh token family: %w", err)
	}
	return nil
}

// lockFamily takes the family row lock and fails with ErrAlreadyRedeemed
// once the family is revoked
func lockFamily(ctx context.Context, db execer, familyID uuid.UUID, at time.Time) error {
	query := `
		UPDATE refresh_token_families
		SET rotated_at = $1
		WHERE id = $2 AND revoked_at IS NULL
	`
	res, err := db.ExecContext(ctx, query, at, familyID)
	if err != nil {
		return fmt.Errorf("failed to lock refresh token family: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return ErrAlreadyRedeemed
	}
	return nil
}

// Create implements Store
func (s *PostgresStore) Create(ctx context.Context, token *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertFamily(ctx, tx, token); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, token); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanToken(row interface{ Scan(...interface{}) error }) (*Token, error) {
	t := &Token{}
	var (
		state                 string
		parent, replacedBy    uuid.NullUUID
		redeemedAt, revokedAt sql.NullTime
		device                []byte
	)
	err := row.Scan(&t.ID, &t.FamilyID, &parent, &t.UserID, &t.OrganizationID, &t.TokenHash, &state,
		&t.IssuedAt, &t.ExpiresAt, &redeemedAt, &revokedAt, &replacedBy, &device)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	if parent.Valid {
		id := parent.UUID
		t.ParentID = &id
	}
	if replacedBy.Valid {
		id := replacedBy.UUID
		t.ReplacedBy = &id
	}
	if redeemedAt.Valid {
		at := redeemedAt.Time
		t.RedeemedAt = &at
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	if len(device) > 0 {
		if err := json.Unmarshal(device, &t.Device); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device: %w", err)
		}
	}
	return t, nil
}

// GetByHash implements Store
func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	t, err := scanToken(s.db.QueryRowContext(ctx, query, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return t, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE id = $1`
	t, err := scanToken(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return t, nil
}

// Rotate implements Store. The family row is locked before the token row,
// in the same order RevokeFamily uses, so a concurrent family revocation
// either runs first and fails the rotation or runs after and sees the
// successor. The conditional UPDATE is the compare-and-swap: exactly one
// concurrent caller sees a row affected.
func (s *PostgresStore) Rotate(ctx context.Context, oldID uuid.UUID, at time.Time, successor *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockFamily(ctx, tx, successor.FamilyID, at); err != nil {
		return err
	}

	query := `
		UPDATE refresh_tokens
		SET state = 'redeemed', redeemed_at = $1, replaced_by = $2
		WHERE id = $3 AND state = 'active'
	`
	res, err := tx.ExecContext(ctx, query, at, successor.ID, oldID)
	if err != nil {
		return fmt.Errorf("failed to redeem refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return ErrAlreadyRedeemed
	}

	if err := insertToken(ctx, tx, successor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Replace implements Store
func (s *PostgresStore) Replace(ctx context.Context, oldID uuid.UUID, at time.Time, successor *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE refresh_tokens
		SET state = 'revoked', revoked_at = $1, replaced_by = $2
		WHERE id = $3 AND state = 'active'
	`
	res, err := tx.ExecContext(ctx, query, at, successor.ID, oldID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return ErrAlreadyRedeemed
	}

	if err := insertFamily(ctx, tx, successor); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, successor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RevokeFamily implements Store. The family row is marked first; under
// READ COMMITTED the token UPDATE that follows then sees any successor a
// concurrent Rotate committed while it held the family lock.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID uuid.UUID, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	family := `
		UPDATE refresh_token_families
		SET revoked_at = COALESCE(revoked_at, $1)
		WHERE id = $2
	`
	if _, err := tx.ExecContext(ctx, family, at, familyID); err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	query := `
		UPDATE refresh_tokens
		SET state = 'revoked', revoked_at = $1
		WHERE family_id = $2 AND state <> 'revoked'
	`
	res, err := tx.ExecContext(ctx, query, at, familyID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

// Revoke implements Store
func (s *PostgresStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET state = 'revoked', revoked_at = $1
		WHERE id = $2 AND state <> 'revoked'
	`
	if _, err := s.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}
