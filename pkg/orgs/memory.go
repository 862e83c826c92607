package orgs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantauth/pkg/rbac"
)

// MemoryDirectory is an in-process Directory for tests and local
// development
type MemoryDirectory struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]*User
	bySubject   map[string]uuid.UUID
	orgs        map[uuid.UUID]*Organization
	memberships map[uuid.UUID]*Membership
	overrides   map[uuid.UUID][]rbac.Override
	now         func() time.Time
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:       make(map[uuid.UUID]*User),
		bySubject:   make(map[string]uuid.UUID),
		orgs:        make(map[uuid.UUID]*Organization),
		memberships: make(map[uuid.UUID]*Membership),
		overrides:   make(map[uuid.UUID][]rbac.Override),
		now:         time.Now,
	}
}

// AddUser stores u, assigning an ID when it has none
func (d *MemoryDirectory) AddUser(u User) *User {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Version == 0 {
		u.Version = 1
	}
	stored := u
	d.users[u.ID] = &stored
	d.bySubject[u.ExternalSubject] = u.ID
	copied := stored
	return &copied
}

// AddOrganization stores org, assigning an ID when it has none
func (d *MemoryDirectory) AddOrganization(org Organization) *Organization {
	d.mu.Lock()
	defer d.mu.Unlock()
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.Version == 0 {
		org.Version = 1
	}
	stored := org
	d.orgs[org.ID] = &stored
	copied := stored
	return &copied
}

// AddMembership stores m. Missing fields default to an active, accepted
// membership.
func (d *MemoryDirectory) AddMembership(m Membership) *Membership {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.InvitationState == "" {
		m.InvitationState = InvitationAccepted
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = d.now()
	}
	stored := m
	d.memberships[m.ID] = &stored
	copied := stored
	return &copied
}

// AddOverride attaches o to its membership
func (d *MemoryDirectory) AddOverride(o rbac.Override) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	d.overrides[o.MembershipID] = append(d.overrides[o.MembershipID], o)
}

// SetPreferredOrganization sets the user's preferred organization
func (d *MemoryDirectory) SetPreferredOrganization(userID, orgID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		id := orgID
		u.PreferredOrganizationID = &id
	}
}

// DeactivateMembership marks the membership inactive
func (d *MemoryDirectory) DeactivateMembership(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.memberships[id]; ok {
		m.Active = false
	}
}

// GetUser implements Directory
func (d *MemoryDirectory) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

// GetUserBySubject implements Directory
func (d *MemoryDirectory) GetUserBySubject(ctx context.Context, subject string) (*User, error) {
	d.mu.RLock()
	id, ok := d.bySubject[subject]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return d.GetUser(ctx, id)
}

// ProvisionUser implements Directory
func (d *MemoryDirectory) ProvisionUser(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if req.Subject == "" {
		return nil, ErrInvalidSubject
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	if id, ok := d.bySubject[req.Subject]; ok {
		u := d.users[id]
		if u.DeletedAt != nil {
			return nil, ErrUserDeleted
		}
		if u.Email != req.Email || u.EmailVerified != req.EmailVerified {
			u.Email = req.Email
			u.EmailVerified = req.EmailVerified
			u.Version++
			u.UpdatedAt = now
		}
		copied := *u
		return &ProvisionResult{User: &copied}, nil
	}

	u := &User{
		ID:              uuid.New(),
		ExternalSubject: req.Subject,
		Email:           req.Email,
		EmailVerified:   req.EmailVerified,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	d.users[u.ID] = u
	d.bySubject[u.ExternalSubject] = u.ID

	result := &ProvisionResult{Created: true}
	if req.PersonalOrganization {
		org := &Organization{
			ID:        uuid.New(),
			Name:      PersonalName(u.Email),
			Slug:      PersonalSlug(u.ID),
			OwnerID:   u.ID,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		d.orgs[org.ID] = org
		m := &Membership{
			ID:              uuid.New(),
			UserID:          u.ID,
			OrganizationID:  org.ID,
			Role:            rbac.RoleOwner,
			Active:          true,
			JoinedAt:        now,
			InvitationState: InvitationAccepted,
		}
		d.memberships[m.ID] = m
		orgID := org.ID
		u.PreferredOrganizationID = &orgID
		u.Version++

		copiedOrg := *org
		result.Organization = &copiedOrg
	}

	copied := *u
	result.User = &copied
	return result, nil
}

// GetOrganization implements Directory
func (d *MemoryDirectory) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	org, ok := d.orgs[id]
	if !ok || org.DeletedAt != nil {
		return nil, ErrOrganizationNotFound
	}
	copied := *org
	return &copied, nil
}

func (d *MemoryDirectory) liveOrg(id uuid.UUID) bool {
	org, ok := d.orgs[id]
	return ok && org.DeletedAt == nil
}

// ListMemberships implements Directory
func (d *MemoryDirectory) ListMemberships(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Membership
	for _, m := range d.memberships {
		if m.UserID == userID && m.Active && d.liveOrg(m.OrganizationID) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// GetMembership implements Directory
func (d *MemoryDirectory) GetMembership(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.memberships {
		if m.UserID == userID && m.OrganizationID == orgID && m.Active && d.liveOrg(orgID) {
			copied := *m
			return &copied, nil
		}
	}
	return nil, ErrMembershipNotFound
}

// ListOverrides implements Directory
func (d *MemoryDirectory) ListOverrides(ctx context.Context, membershipID uuid.UUID) ([]rbac.Override, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]rbac.Override(nil), d.overrides[membershipID]...), nil
}

// TransferOwnership implements Directory
func (d *MemoryDirectory) TransferOwnership(ctx context.Context, orgID, currentOwnerID, newOwnerID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	org, ok := d.orgs[orgID]
	if !ok || org.DeletedAt != nil {
		return ErrOrganizationNotFound
	}
	if org.OwnerID != currentOwnerID {
		return ErrNotOwner
	}
	if newOwnerID == currentOwnerID {
		return nil
	}

	var incoming, outgoing *Membership
	for _, m := range d.memberships {
		if m.OrganizationID != orgID || !m.Active {
			continue
		}
		switch m.UserID {
		case newOwnerID:
			if m.InvitationState == InvitationAccepted {
				incoming = m
			}
		case currentOwnerID:
			outgoing = m
		}
	}
	if incoming == nil {
		return ErrMembershipNotFound
	}

	incoming.Role = rbac.RoleOwner
	if outgoing != nil {
		outgoing.Role = rbac.RoleAdmin
	}
	org.OwnerID = newOwnerID
	org.Version++
	org.UpdatedAt = d.now().UTC()
	return nil
}
