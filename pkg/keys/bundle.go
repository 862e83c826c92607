package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

// ErrInvalidBundle is returned for PEM bundles that carry no usable RSA key
var ErrInvalidBundle = errors.New("keys: invalid key bundle")

var kidPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidKeyID reports whether kid is usable as a bundle name and JWT header
func ValidKeyID(kid string) bool {
	return kidPattern.MatchString(kid)
}

// SigningKey is one RSA key pair known by its kid. Retired keys may be
// verification-only, in which case PrivateKey is nil.
type SigningKey struct {
	ID         string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	// NotAfter bounds verification; zero means unbounded.
	NotAfter time.Time
}

// ValidAt reports whether the key may still verify tokens at t
func (k *SigningKey) ValidAt(t time.Time) bool {
	return k.NotAfter.IsZero() || t.Before(k.NotAfter)
}

// CanSign reports whether the key holds private material
func (k *SigningKey) CanSign() bool {
	return k.PrivateKey != nil
}

// ParseBundle decodes a PEM bundle. Accepted blocks are "RSA PRIVATE KEY"
// (PKCS#1), "PRIVATE KEY" (PKCS#8), "PUBLIC KEY" (verification only) and an
// optional "CERTIFICATE" whose NotAfter becomes the key's NotAfter.
func ParseBundle(kid string, data []byte) (*SigningKey, error) {
	key := &SigningKey{ID: kid}
	var cert *x509.Certificate

	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, kid, err)
			}
			key.PrivateKey = priv
		case "PRIVATE KEY":
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, kid, err)
			}
			priv, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%w: %s: private key is not RSA", ErrInvalidBundle, kid)
			}
			key.PrivateKey = priv
		case "PUBLIC KEY":
			parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, kid, err)
			}
			pub, ok := parsed.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("%w: %s: public key is not RSA", ErrInvalidBundle, kid)
			}
			key.PublicKey = pub
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, kid, err)
			}
			cert = c
		}
	}

	if key.PrivateKey != nil {
		key.PublicKey = &key.PrivateKey.PublicKey
	}
	if key.PublicKey == nil {
		return nil, fmt.Errorf("%w: %s: no RSA key found", ErrInvalidBundle, kid)
	}

	if cert != nil {
		certPub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok || !certPub.Equal(key.PublicKey) {
			return nil, fmt.Errorf("%w: %s: certificate does not match key", ErrInvalidBundle, kid)
		}
		key.NotAfter = cert.NotAfter
	}

	return key, nil
}

// GenerateBundle creates an RSA key and a self-signed certificate valid for
// validity, and returns the PEM bundle.
func GenerateBundle(kid string, bits int, validity time.Duration, now time.Time) ([]byte, error) {
	if !ValidKeyID(kid) {
		return nil, fmt.Errorf("keys: invalid key id %q", kid)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return EncodeBundle(kid, priv, now, now.Add(validity))
}

// EncodeBundle self-signs priv for [notBefore, notAfter) and PEM encodes both
func EncodeBundle(kid string, priv *rsa.PrivateKey, notBefore, notAfter time.Time) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kid, Organization: []string{"tenantauth"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	out := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	return out, nil
}
