// Package session turns a (user, organization) pair into a permission
// grant and mints access tokens from it. Exchange, refresh and
// organization switch all authorize through the same Authorizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
	"github.com/platinummonkey/tenantauth/pkg/tokens"
)

var (
	// ErrNotMember is returned when the user has no effective membership in
	// the organization. Pending invitations are not memberships.
	ErrNotMember = errors.New("session: no active membership in organization")

	// ErrEmailNotVerified is returned when the organization requires a
	// verified email and the user's is not
	ErrEmailNotVerified = errors.New("session: organization requires a verified email")

	// ErrUserUnavailable is returned for unknown or soft-deleted users
	ErrUserUnavailable = errors.New("session: user unavailable")
)

// Grant is the outcome of a successful authorization
type Grant struct {
	User         *orgs.User
	Organization *orgs.Organization
	Membership   *orgs.Membership
	Role         rbac.RoleDefinition
	Permissions  rbac.Set
}

// Config configures an Authorizer
type Config struct {
	// StoreTimeout bounds every directory and role lookup
	StoreTimeout time.Duration
	Now          func() time.Time
}

// Authorizer computes grants and mints access tokens. It is safe for
// concurrent use.
type Authorizer struct {
	dir     orgs.Directory
	roles   *rbac.Service
	tokens  *tokens.Service
	timeout time.Duration
	now     func() time.Time
}

// NewAuthorizer creates an authorizer
func NewAuthorizer(dir orgs.Directory, roles *rbac.Service, tokenService *tokens.Service, cfg Config) *Authorizer {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authorizer{
		dir:     dir,
		roles:   roles,
		tokens:  tokenService,
		timeout: cfg.StoreTimeout,
		now:     cfg.Now,
	}
}

// Directory exposes the directory the authorizer reads from
func (a *Authorizer) Directory() orgs.Directory {
	return a.dir
}

// Authorize checks that userID holds an effective membership in orgID and
// computes its permissions as of now. Nothing is cached between calls.
func (a *Authorizer) Authorize(ctx context.Context, userID, orgID uuid.UUID) (*Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user, err := a.dir.GetUser(ctx, userID)
	if errors.Is(err, orgs.ErrUserNotFound) {
		return nil, ErrUserUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	org, err := a.dir.GetOrganization(ctx, orgID)
	if errors.Is(err, orgs.ErrOrganizationNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}

	membership, err := a.dir.GetMembership(ctx, userID, orgID)
	if errors.Is(err, orgs.ErrMembershipNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	if !membership.Effective() {
		return nil, fmt.Errorf("%w: invitation %s", ErrNotMember, membership.InvitationState)
	}

	if org.Settings.RequireVerifiedEmail && !user.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	role, err := a.roles.Resolve(ctx, orgID, membership.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role: %w", err)
	}

	overrides, err := a.dir.ListOverrides(ctx, membership.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}

	return &Grant{
		User:         user,
		Organization: org,
		Membership:   membership,
		Role:         role,
		Permissions:  rbac.Compute(role, overrides, a.now()),
	}, nil
}

// Mint issues an access token carrying the grant's permissions
func (a *Authorizer) Mint(grant *Grant) (*tokens.AccessToken, error) {
	subject := tokens.Subject{
		UserID:        grant.User.ID,
		Email:         grant.User.Email,
		EmailVerified: grant.User.EmailVerified,
	}
	return a.tokens.Issue(subject, grant.Organization.ID, grant.Permissions.Sorted(), map[string]interface{}{
		"role": string(grant.Role.Name),
	})
}

// Revoked reports whether err means the user lost access to the
// organization, as opposed to an infrastructure failure
func Revoked(err error) bool {
	return errors.Is(err, ErrNotMember) || errors.Is(err, ErrUserUnavailable) || errors.Is(err, ErrEmailNotVerified)
}
