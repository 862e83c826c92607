package keys

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
)

// JWK is an RSA public key in JSON Web Key form
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS publishes every resolvable public key, ordered by kid
func (p *Provider) JWKS() JWKS {
	set := JWKS{Keys: []JWK{}}
	for _, kid := range p.KeyIDs() {
		pub, err := p.Resolve(kid)
		if err != nil {
			continue
		}
		set.Keys = append(set.Keys, publicJWK(kid, pub))
	}
	return set
}

func publicJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
