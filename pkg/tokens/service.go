// Package tokens issues and validates RS256 platform access tokens.
package tokens

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the access token lifetime when none is configured
const DefaultTTL = 10 * time.Minute

var (
	ErrMissingKeyID     = errors.New("tokens: missing key id")
	ErrUnknownKey       = errors.New("tokens: unknown signing key")
	ErrMalformed        = errors.New("tokens: malformed token")
	ErrInvalidSignature = errors.New("tokens: invalid signature")
	ErrInvalidIssuer    = errors.New("tokens: invalid issuer")
	ErrInvalidAudience  = errors.New("tokens: invalid audience")
	ErrTokenExpired     = errors.New("tokens: token expired")
	ErrNotYetValid      = errors.New("tokens: token not yet valid")
	ErrReservedClaim    = errors.New("tokens: extra claim overrides a registered claim")
)

// KeyProvider supplies signing and verification keys
type KeyProvider interface {
	CurrentKey() (kid string, key *rsa.PrivateKey, err error)
	Resolve(kid string) (*rsa.PublicKey, error)
}

// Config configures a Service
type Config struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	// Now overrides time.Now
	Now func() time.Time
}

// Subject identifies who a token is issued to
type Subject struct {
	UserID        uuid.UUID
	Email         string
	EmailVerified bool
}

// AccessToken is a signed token plus the metadata callers hand back to
// clients
type AccessToken struct {
	Raw       string
	ID        string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// ExpiresIn is the lifetime in whole seconds
	ExpiresIn int64
}

// Service signs and validates access tokens. It is safe for concurrent use.
type Service struct {
	keys     KeyProvider
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewService creates a token service
func NewService(keys KeyProvider, cfg Config) (*Service, error) {
	if keys == nil {
		return nil, errors.New("key provider is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		keys:     keys,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}, nil
}

// TTL returns the configured access token lifetime
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue signs an access token for subject scoped to orgID. extra claims are
// added verbatim but may not shadow a registered claim.
func (s *Service) Issue(subject Subject, orgID uuid.UUID, permissions []string, extra map[string]interface{}) (*AccessToken, error) {
	if subject.UserID == uuid.Nil {
		return nil, errors.New("subject user id is required")
	}

	claims := jwt.MapClaims{}
	for k, v := range extra {
		if _, reserved := reservedClaims[k]; reserved {
			return nil, fmt.Errorf("%w: %q", ErrReservedClaim, k)
		}
		claims[k] = v
	}

	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)
	jti := uuid.NewString()

	claims["sub"] = subject.UserID.String()
	claims["org_id"] = orgID.String()
	if subject.Email != "" {
		claims["email"] = subject.Email
	}
	claims["email_verified"] = subject.EmailVerified
	claims["permissions"] = sortedCopy(permissions)
	claims["iss"] = s.issuer
	claims["aud"] = s.audience
	claims["iat"] = jwt.NewNumericDate(now)
	claims["nbf"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(expiresAt)
	claims["jti"] = jti

	kid, key, err := s.keys.CurrentKey()
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	raw, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &AccessToken{
		Raw:       raw,
		ID:        jti,
		KeyID:     kid,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		ExpiresIn: int64(s.ttl / time.Second),
	}, nil
}

// Validate verifies raw and returns its claims. Checks run in a fixed order
// and stop at the first failure: key id, signature, issuer, audience,
// expiry.
func (s *Service) Validate(raw string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKeyID
		}
		pub, err := s.keys.Resolve(kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
		}
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("%w: unexpected signing method %s", ErrInvalidSignature, t.Method.Alg())
		}
		return pub, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if claims.Issuer != s.issuer {
		return nil, ErrInvalidIssuer
	}
	if !audienceContains(claims.Audience, s.audience) {
		return nil, ErrInvalidAudience
	}

	now := s.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, ErrNotYetValid
	}

	return claims, nil
}

func classify(err error) error {
	for _, sentinel := range []error{ErrMissingKeyID, ErrUnknownKey, ErrInvalidSignature} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
