package tokens

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantauth/pkg/keys"
)

var (
	rsaOnce sync.Once
	rsaKeys []*rsa.PrivateKey
)

func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		for n := 0; n < 2; n++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			rsaKeys = append(rsaKeys, k)
		}
	})
	return rsaKeys[i]
}

func signingKey(t *testing.T, kid string, i int, notAfter time.Time) *keys.SigningKey {
	k := testKey(t, i)
	return &keys.SigningKey{ID: kid, PrivateKey: k, PublicKey: &k.PublicKey, NotAfter: notAfter}
}

type fixture struct {
	src      *keys.MemorySource
	provider *keys.Provider
	svc      *Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.src = keys.NewMemorySource()
	f.src.Add(signingKey(t, "key-a", 0, f.now.Add(30*24*time.Hour)))
	require.NoError(t, f.src.SetCurrent(context.Background(), "key-a"))

	var err error
	f.provider, err = keys.NewProvider(context.Background(), f.src, keys.WithClock(clock))
	require.NoError(t, err)

	f.svc, err = NewService(f.provider, Config{Issuer: "tenantauth", Audience: "tenantauth-api", Now: clock})
	require.NoError(t, err)
	return f
}

func testSubject() Subject {
	return Subject{UserID: uuid.New(), Email: "a@example.com", EmailVerified: true}
}

func TestIssueAndValidate(t *testing.T) {
	f := newFixture(t)
	subject := testSubject()
	orgID := uuid.New()

	tok, err := f.svc.Issue(subject, orgID, []string{"servers:read", "organization:read"}, map[string]interface{}{"sid": "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "key-a", tok.KeyID)
	assert.Equal(t, int64(600), tok.ExpiresIn)
	assert.Equal(t, f.now.Add(10*time.Minute), tok.ExpiresAt)

	claims, err := f.svc.Validate(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, subject.UserID.String(), claims.Subject)
	assert.Equal(t, orgID.String(), claims.OrganizationID)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)
	assert.Equal(t, []string{"organization:read", "servers:read"}, claims.Permissions)
	assert.Equal(t, tok.ID, claims.ID)
	assert.True(t, claims.HasPermission("servers:read", ""))
	assert.False(t, claims.HasPermission("servers:start", ""))

	uid, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, subject.UserID, uid)
	oid, err := claims.OrgID()
	require.NoError(t, err)
	assert.Equal(t, orgID, oid)

	parsed, _, err := jwt.NewParser().ParseUnverified(tok.Raw, jwt.MapClaims{})
	require.NoError(t, err)
	assert.Equal(t, "RS256", parsed.Header["alg"])
	assert.Equal(t, "s-1", parsed.Claims.(jwt.MapClaims)["sid"])
}

func TestIssue_RejectsReservedExtraClaims(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"sub", "org_id", "permissions", "exp", "iss"} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Issue(testSubject(), uuid.New(), nil, map[string]interface{}{name: "x"})
			assert.ErrorIs(t, err, ErrReservedClaim)
		})
	}
}

func TestValidate_RejectionOrder(t *testing.T) {
	f := newFixture(t)
	key := testKey(t, 0)
	other := testKey(t, 1)

	sign := func(method jwt.SigningMethod, kid string, key interface{}, claims jwt.MapClaims) string {
		tok := jwt.NewWithClaims(method, claims)
		if kid != "" {
			tok.Header["kid"] = kid
		}
		raw, err := tok.SignedString(key)
		require.NoError(t, err)
		return raw
	}
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": uuid.NewString(),
			"iss": "tenantauth",
			"aud": "tenantauth-api",
			"exp": f.now.Add(time.Minute).Unix(),
			"iat": f.now.Unix(),
		}
	}

	tests := []struct {
		name string
		raw  func() string
		want error
	}{
		{"garbage", func() string { return "not-a-jwt" }, ErrMalformed},
		{"missing kid", func() string { return sign(jwt.SigningMethodRS256, "", key, valid()) }, ErrMissingKeyID},
		{"unknown kid", func() string { return sign(jwt.SigningMethodRS256, "key-z", key, valid()) }, ErrUnknownKey},
		{"unknown kid beats bad issuer", func() string {
			c := valid()
			c["iss"] = "evil"
			return sign(jwt.SigningMethodRS256, "key-z", key, c)
		}, ErrUnknownKey},
		{"wrong key", func() string { return sign(jwt.SigningMethodRS256, "key-a", other, valid()) }, ErrInvalidSignature},
		{"hmac algorithm", func() string { return sign(jwt.SigningMethodHS256, "key-a", []byte("secret"), valid()) }, ErrInvalidSignature},
		{"bad signature beats expiry", func() string {
			c := valid()
			c["exp"] = f.now.Add(-time.Hour).Unix()
			return sign(jwt.SigningMethodRS256, "key-a", other, c)
		}, ErrInvalidSignature},
		{"wrong issuer", func() string {
			c := valid()
			c["iss"] = "someone-else"
			return sign(jwt.SigningMethodRS256, "key-a", key, c)
		}, ErrInvalidIssuer},
		{"issuer beats audience", func() string {
			c := valid()
			c["iss"] = "someone-else"
			c["aud"] = "other-api"
			return sign(jwt.SigningMethodRS256, "key-a", key, c)
		}, ErrInvalidIssuer},
		{"wrong audience", func() string {
			c := valid()
			c["aud"] = []string{"other-api"}
			return sign(jwt.SigningMethodRS256, "key-a", key, c)
		}, ErrInvalidAudience},
		{"audience beats expiry", func() string {
			c := valid()
			c["aud"] = "other-api"
			c["exp"] = f.now.Add(-time.Hour).Unix()
			return sign(jwt.SigningMethodRS256, "key-a", key, c)
		}, ErrInvalidAudience},
		{"expired", func() string {
			c := valid()
			c["exp"] = f.now.Add(-time.Second).Unix()
			return sign(jwt.SigningMethodRS256, "key-a", key, c)
		}, ErrTokenExpired},
		{"no expiry", func() string {
			c := valid()
			delete(c, "exp")
			return sign(jwt.SigningMethodRS256, "key-a", key, c)
		}, ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Validate(tt.raw())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidate_TamperedPayload(t *testing.T) {
	f := newFixture(t)
	tok, err := f.svc.Issue(testSubject(), uuid.New(), []string{"servers:read"}, nil)
	require.NoError(t, err)

	parts := strings.Split(tok.Raw, ".")
	forged, err := f.svc.Issue(testSubject(), uuid.New(), []string{"organization:delete"}, nil)
	require.NoError(t, err)
	parts[1] = strings.Split(forged.Raw, ".")[1]

	_, err = f.svc.Validate(strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate_SurvivesKeyRotation(t *testing.T) {
	f := newFixture(t)
	old, err := f.svc.Issue(testSubject(), uuid.New(), nil, nil)
	require.NoError(t, err)

	// key-b becomes current and the store stops listing key-a.
	f.src.Add(signingKey(t, "key-b", 1, f.now.Add(60*24*time.Hour)))
	require.NoError(t, f.src.SetCurrent(context.Background(), "key-b"))
	f.src.Remove("key-a")
	require.NoError(t, f.provider.Rotate(context.Background()))

	fresh, err := f.svc.Issue(testSubject(), uuid.New(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "key-b", fresh.KeyID)

	_, err = f.svc.Validate(old.Raw)
	assert.NoError(t, err, "tokens signed by a still-valid historical key keep validating")
	_, err = f.svc.Validate(fresh.Raw)
	assert.NoError(t, err)
}

func TestValidate_ExpiredAfterTTL(t *testing.T) {
	f := newFixture(t)
	tok, err := f.svc.Issue(testSubject(), uuid.New(), nil, nil)
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	_, err = f.svc.Validate(tok.Raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestNewService_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := NewService(nil, Config{Issuer: "i", Audience: "a"})
	assert.Error(t, err)
	_, err = NewService(f.provider, Config{Audience: "a"})
	assert.Error(t, err)

	svc, err := NewService(f.provider, Config{Issuer: "i", Audience: "a"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, svc.TTL())
}
