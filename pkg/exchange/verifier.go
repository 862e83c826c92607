package exchange

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Identity is the verified content of an exchange token
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	TokenID       string
	ExpiresAt     time.Time
}

// Verifier checks an externally issued exchange token
type Verifier interface {
	Verify(ctx context.Context, raw string) (*Identity, error)
}

// VerifierConfig configures an OIDCVerifier. Exactly one of PublicKey and
// JWKSURL is used; PublicKey wins when both are set.
type VerifierConfig struct {
	Issuer    string
	Audience  string
	PublicKey *rsa.PublicKey
	JWKSURL   string
	Now       func() time.Time
}

// OIDCVerifier verifies exchange tokens with go-oidc
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	audience string
}

// NewOIDCVerifier creates a verifier over a static key or a remote JWKS
func NewOIDCVerifier(ctx context.Context, cfg VerifierConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("exchange issuer and audience are required")
	}

	var keySet oidc.KeySet
	switch {
	case cfg.PublicKey != nil:
		keySet = &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{cfg.PublicKey}}
	case cfg.JWKSURL != "":
		keySet = oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
	default:
		return nil, errors.New("exchange public key or JWKS URL is required")
	}

	oidcConfig := &oidc.Config{
		ClientID:             cfg.Audience,
		SupportedSigningAlgs: []string{oidc.RS256},
		Now:                  cfg.Now,
	}
	return &OIDCVerifier{
		verifier: oidc.NewVerifier(cfg.Issuer, keySet, oidcConfig),
		audience: cfg.Audience,
	}, nil
}

type exchangeClaims struct {
	ID            string      `json:"jti"`
	Email         string      `json:"email"`
	EmailVerified interface{} `json:"email_verified"`
}

// Verify checks signature, issuer, audience, expiry and not-before, then
// requires a single exact audience and a jti
func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify exchange token: %w", err)
	}
	if len(token.Audience) != 1 || token.Audience[0] != v.audience {
		return nil, fmt.Errorf("exchange token audience %v is not exactly %q", token.Audience, v.audience)
	}
	if token.Subject == "" {
		return nil, errors.New("exchange token has no subject")
	}

	var claims exchangeClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse exchange claims: %w", err)
	}
	if claims.ID == "" {
		return nil, errors.New("exchange token has no jti")
	}

	return &Identity{
		Subject:       token.Subject,
		Email:         claims.Email,
		EmailVerified: truthy(claims.EmailVerified),
		TokenID:       claims.ID,
		ExpiresAt:     token.Expiry,
	}, nil
}

// Some identity providers send email_verified as a string.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		return false
	}
}

// ParsePublicKey reads an RSA public key from a PEM "PUBLIC KEY",
// "RSA PUBLIC KEY" or "CERTIFICATE" block
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var parsed interface{}
	var err error
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		parsed, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		cert, err = x509.ParseCertificate(block.Bytes)
		if err == nil {
			parsed = cert.PublicKey
		}
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}
