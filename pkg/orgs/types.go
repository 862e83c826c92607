package orgs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantauth/pkg/rbac"
)

var (
	ErrUserNotFound         = errors.New("orgs: user not found")
	ErrUserDeleted          = errors.New("orgs: user deleted")
	ErrOrganizationNotFound = errors.New("orgs: organization not found")
	ErrMembershipNotFound   = errors.New("orgs: membership not found")
	ErrNotOwner             = errors.New("orgs: not the organization owner")
	ErrInvalidSubject       = errors.New("orgs: external subject is required")
)

// User is a platform identity keyed by its external subject
type User struct {
	ID                      uuid.UUID  `json:"id"`
	ExternalSubject         string     `json:"external_subject"`
	Email                   string     `json:"email"`
	EmailVerified           bool       `json:"email_verified"`
	PreferredOrganizationID *uuid.UUID `json:"preferred_organization_id,omitempty"`
	DeletedAt               *time.Time `json:"deleted_at,omitempty"`
	Version                 int        `json:"version"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// InvitePolicy controls who may invite new members
type InvitePolicy string

const (
	InvitePolicyAdmins  InvitePolicy = "admins"
	InvitePolicyMembers InvitePolicy = "members"
	InvitePolicyClosed  InvitePolicy = "closed"
)

// Settings are per-organization policy knobs
type Settings struct {
	MaxMembers           int          `json:"max_members,omitempty"`
	InvitePolicy         InvitePolicy `json:"invite_policy,omitempty"`
	RequireVerifiedEmail bool         `json:"require_verified_email,omitempty"`
}

// Organization is a tenant
type Organization struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	Settings  Settings   `json:"settings"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// InvitationState tracks a membership invitation
type InvitationState string

const (
	InvitationPending  InvitationState = "pending"
	InvitationAccepted InvitationState = "accepted"
	InvitationRejected InvitationState = "rejected"
	InvitationExpired  InvitationState = "expired"
)

// Membership binds a user to an organization with a role
type Membership struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              uuid.UUID       `json:"user_id"`
	OrganizationID      uuid.UUID       `json:"organization_id"`
	Role                rbac.RoleName   `json:"role"`
	Active              bool            `json:"active"`
	JoinedAt            time.Time       `json:"joined_at"`
	InvitationState     InvitationState `json:"invitation_state"`
	InvitationExpiresAt *time.Time      `json:"invitation_expires_at,omitempty"`
}

// Effective reports whether the membership confers permissions. Pending,
// rejected and expired invitations never do.
func (m Membership) Effective() bool {
	return m.Active && m.InvitationState == InvitationAccepted
}

// ProvisionRequest describes an externally authenticated identity
type ProvisionRequest struct {
	Subject       string
	Email         string
	EmailVerified bool
	// PersonalOrganization creates an owned organization for a first-time user
	PersonalOrganization bool
}

// ProvisionResult is the outcome of ProvisionUser
type ProvisionResult struct {
	User *User
	// Created is true when the user did not exist before this call
	Created bool
	// Organization is the personal organization created alongside the user
	Organization *Organization
}

// Directory is the read model the authorization core needs, plus the two
// writes it owns: just-in-time provisioning and ownership transfer.
type Directory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserBySubject(ctx context.Context, subject string) (*User, error)

	// ProvisionUser resolves or creates the user for req.Subject in a single
	// transaction.
	ProvisionUser(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)

	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)

	// ListMemberships returns the user's active memberships, including ones
	// whose invitation is still pending.
	ListMemberships(ctx context.Context, userID uuid.UUID) ([]Membership, error)
	GetMembership(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error)
	ListOverrides(ctx context.Context, membershipID uuid.UUID) ([]rbac.Override, error)

	// TransferOwnership demotes the current owner to admin and promotes
	// newOwnerID to owner atomically.
	TransferOwnership(ctx context.Context, orgID, currentOwnerID, newOwnerID uuid.UUID) error
}

// PersonalSlug derives the slug for a user's personal organization
func PersonalSlug(userID uuid.UUID) string {
	return "personal-" + strings.ReplaceAll(userID.String(), "-", "")[:12]
}

// PersonalName derives a display name for a personal organization
func PersonalName(email string) string {
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local + "'s organization"
	}
	return "Personal organization"
}
