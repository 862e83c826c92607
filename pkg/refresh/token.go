package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix marks raw refresh tokens
const TokenPrefix = "rt_"

var (
	ErrInvalidToken    = errors.New("refresh: invalid token")
	ErrTokenExpired    = errors.New("refresh: token expired")
	ErrTokenReused     = errors.New("refresh: token reused")
	ErrAlreadyRedeemed = errors.New("refresh: token already redeemed")
	ErrTokenNotFound   = errors.New("refresh: token not found")
	ErrWrongUser       = errors.New("refresh: token belongs to another user")
)

// State is the lifecycle state of a refresh token
type State string

const (
	StateActive   State = "active"
	StateRedeemed State = "redeemed"
	StateRevoked  State = "revoked"
)

// Device is client metadata captured when a token is issued
type Device struct {
	Name      string `json:"name,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// Token is the stored form of a refresh token. The raw value is never
// stored, only its SHA-256.
type Token struct {
	ID             uuid.UUID
	FamilyID       uuid.UUID
	ParentID       *uuid.UUID
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	TokenHash      string
	State          State
	IssuedAt       time.Time
	ExpiresAt      time.Time
	RedeemedAt     *time.Time
	RevokedAt      *time.Time
	ReplacedBy     *uuid.UUID
	Device         Device
}

// Active reports whether the token can still be redeemed at t
func (t *Token) Active(at time.Time) bool {
	return t.State == StateActive && at.Before(t.ExpiresAt)
}

// NewRaw generates a raw refresh token: TokenPrefix + base64url(32 random bytes)
func NewRaw() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash returns the lookup key stored for raw
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// wellFormed rejects values that cannot be one of ours without a store
// round trip
func wellFormed(raw string) bool {
	if !strings.HasPrefix(raw, TokenPrefix) {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(raw, TokenPrefix))
	return err == nil && len(decoded) == 32
}
