package orgs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantauth/pkg/rbac"
)

func TestMemoryDirectory_ProvisionIsIdempotent(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[uuid.UUID]struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := dir.ProvisionUser(ctx, ProvisionRequest{
				Subject: "idp|1", Email: "a@example.com", PersonalOrganization: true,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Created {
				created++
			}
			ids[res.User.ID] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestMemoryDirectory_PersonalOrganization(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	res, err := dir.ProvisionUser(ctx, ProvisionRequest{
		Subject: "idp|2", Email: "sam@example.com", EmailVerified: true, PersonalOrganization: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Organization)
	assert.Equal(t, "sam's organization", res.Organization.Name)

	m, err := dir.GetMembership(ctx, res.User.ID, res.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, m.Role)
	assert.True(t, m.Effective())

	u, err := dir.GetUserBySubject(ctx, "idp|2")
	require.NoError(t, err)
	assert.Equal(t, res.Organization.ID, *u.PreferredOrganizationID)
}

func TestMemoryDirectory_DeletedUserIsNotResurrected(t *testing.T) {
	dir := NewMemoryDirectory()
	now := time.Now()
	dir.AddUser(User{ExternalSubject: "idp|gone", DeletedAt: &now})

	_, err := dir.ProvisionUser(context.Background(), ProvisionRequest{Subject: "idp|gone"})
	assert.ErrorIs(t, err, ErrUserDeleted)

	_, err = dir.GetUserBySubject(context.Background(), "idp|gone")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryDirectory_MembershipsSkipDeletedOrgs(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	user := dir.AddUser(User{ExternalSubject: "idp|3"})
	live := dir.AddOrganization(Organization{Name: "Live"})
	deletedAt := time.Now()
	gone := dir.AddOrganization(Organization{Name: "Gone", DeletedAt: &deletedAt})

	dir.AddMembership(Membership{UserID: user.ID, OrganizationID: live.ID, Role: rbac.RoleViewer, Active: true})
	dir.AddMembership(Membership{UserID: user.ID, OrganizationID: gone.ID, Role: rbac.RoleAdmin, Active: true})

	list, err := dir.ListMemberships(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, live.ID, list[0].OrganizationID)

	_, err = dir.GetMembership(ctx, user.ID, gone.ID)
	assert.ErrorIs(t, err, ErrMembershipNotFound)
}

func TestMemoryDirectory_TransferOwnership(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	owner := dir.AddUser(User{ExternalSubject: "idp|owner"})
	admin := dir.AddUser(User{ExternalSubject: "idp|admin"})
	invited := dir.AddUser(User{ExternalSubject: "idp|invited"})
	org := dir.AddOrganization(Organization{Name: "Acme", OwnerID: owner.ID})

	dir.AddMembership(Membership{UserID: owner.ID, OrganizationID: org.ID, Role: rbac.RoleOwner, Active: true})
	dir.AddMembership(Membership{UserID: admin.ID, OrganizationID: org.ID, Role: rbac.RoleAdmin, Active: true})
	dir.AddMembership(Membership{UserID: invited.ID, OrganizationID: org.ID, Role: rbac.RoleViewer, Active: true, InvitationState: InvitationPending})

	assert.ErrorIs(t, dir.TransferOwnership(ctx, org.ID, admin.ID, owner.ID), ErrNotOwner)
	assert.ErrorIs(t, dir.TransferOwnership(ctx, org.ID, owner.ID, invited.ID), ErrMembershipNotFound)
	assert.ErrorIs(t, dir.TransferOwnership(ctx, uuid.New(), owner.ID, admin.ID), ErrOrganizationNotFound)

	require.NoError(t, dir.TransferOwnership(ctx, org.ID, owner.ID, admin.ID))

	got, err := dir.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, got.OwnerID)
	assert.Equal(t, 2, got.Version)

	m, _ := dir.GetMembership(ctx, admin.ID, org.ID)
	assert.Equal(t, rbac.RoleOwner, m.Role)
	m, _ = dir.GetMembership(ctx, owner.ID, org.ID)
	assert.Equal(t, rbac.RoleAdmin, m.Role)
}

func TestPersonalName(t *testing.T) {
	assert.Equal(t, "jo's organization", PersonalName("jo@example.com"))
	assert.Equal(t, "Personal organization", PersonalName("@example.com"))
	assert.Equal(t, "Personal organization", PersonalName(""))
}
