// Package sessiontest wires an in-memory authorization stack for tests.
package sessiontest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/keys"
	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
	"github.com/platinummonkey/tenantauth/pkg/session"
	"github.com/platinummonkey/tenantauth/pkg/tokens"
)

const (
	Issuer   = "tenantauth-test"
	Audience = "tenantauth-test-api"
	KeyID    = "test-key"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

// SigningKey returns a process-wide RSA key so tests do not pay for key
// generation more than once
func SigningKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		key = k
	})
	return key
}

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ErrSigningDisabled is returned by the Env's signer after FailSigning(true)
var ErrSigningDisabled = errors.New("sessiontest: signing disabled")

// signer lets tests take the signing key away
type signer struct {
	*keys.Provider
	failing atomic.Bool
}

func (s *signer) CurrentKey() (string, *rsa.PrivateKey, error) {
	if s.failing.Load() {
		return "", nil, ErrSigningDisabled
	}
	return s.Provider.CurrentKey()
}

// Env is a fully wired in-memory stack
type Env struct {
	signer *signer

	Clock      *Clock
	Directory  *orgs.MemoryDirectory
	Roles      *rbac.Service
	Keys       *keys.Provider
	Tokens     *tokens.Service
	Authorizer *session.Authorizer
	Audit      *audit.MemoryLogger
	Recorder   *audit.Recorder
}

// New builds an Env whose clock starts at a fixed instant
func New(t *testing.T) *Env {
	t.Helper()
	clock := &Clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}

	src := keys.NewMemorySource()
	k := SigningKey()
	src.Add(&keys.SigningKey{ID: KeyID, PrivateKey: k, PublicKey: &k.PublicKey})
	require.NoError(t, src.SetCurrent(context.Background(), KeyID))

	provider, err := keys.NewProvider(context.Background(), src, keys.WithClock(clock.Now))
	require.NoError(t, err)

	keySigner := &signer{Provider: provider}
	tokenService, err := tokens.NewService(keySigner, tokens.Config{
		Issuer:   Issuer,
		Audience: Audience,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	sink := audit.NewMemoryLogger()
	recorder := audit.NewRecorder(sink, nil, nil, time.Second)
	dir := orgs.NewMemoryDirectory()
	roles := rbac.NewService(nil, rbac.ServiceOptions{Recorder: recorder})

	return &Env{
		signer:     keySigner,
		Clock:      clock,
		Directory:  dir,
		Roles:      roles,
		Keys:       provider,
		Tokens:     tokenService,
		Authorizer: session.NewAuthorizer(dir, roles, tokenService, session.Config{Now: clock.Now}),
		Audit:      sink,
		Recorder:   recorder,
	}
}

// FailSigning makes every access token issue fail while on
func (e *Env) FailSigning(on bool) {
	e.signer.failing.Store(on)
}

// Member creates a user, an organization and an accepted membership with
// role
func (e *Env) Member(role rbac.RoleName) (*orgs.User, *orgs.Organization, *orgs.Membership) {
	user := e.Directory.AddUser(orgs.User{
		ExternalSubject: "idp|" + uuid.NewString(),
		Email:           "member@example.com",
		EmailVerified:   true,
	})
	org, m := e.Join(user, role)
	return user, org, m
}

// Join adds user to a new organization with role
func (e *Env) Join(user *orgs.User, role rbac.RoleName) (*orgs.Organization, *orgs.Membership) {
	org := e.Directory.AddOrganization(orgs.Organization{Name: "Org", Slug: "org-" + uuid.NewString()[:8], OwnerID: user.ID})
	m := e.Directory.AddMembership(orgs.Membership{
		UserID:         user.ID,
		OrganizationID: org.ID,
		Role:           role,
		Active:         true,
	})
	return org, m
}
