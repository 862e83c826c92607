package orgs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantauth/pkg/rbac"
)

var userCols = []string{
	"id", "external_subject", "email", "email_verified", "preferred_organization_id",
	"deleted_at", "version", "created_at", "updated_at",
}

func newMockDirectory(t *testing.T) (*PostgresDirectory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresDirectory(db), mock
}

func TestPostgresDirectory_GetUser(t *testing.T) {
	dir, mock := newMockDirectory(t)
	id := uuid.New()
	pref := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(id.String(), "idp|1", "a@example.com", true, pref.String(), nil, 3, now, now))

	u, err := dir.GetUser(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "idp|1", u.ExternalSubject)
	require.NotNil(t, u.PreferredOrganizationID)
	assert.Equal(t, pref, *u.PreferredOrganizationID)
	assert.Nil(t, u.DeletedAt)
	assert.Equal(t, 3, u.Version)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").WithArgs(id).WillReturnError(sql.ErrNoRows)
	_, err = dir.GetUser(context.Background(), id)
	assert.ErrorIs(t, err, ErrUserNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory_ProvisionNewUserWithPersonalOrg(t *testing.T) {
	dir, mock := newMockDirectory(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE external_subject (.+) FOR UPDATE").
		WithArgs("idp|new").
		WillReturnRows(sqlmock.NewRows(userCols))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "idp|new", "new@example.com", true).
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at", "updated_at"}).AddRow(1, now, now))
	mock.ExpectQuery("INSERT INTO organizations").
		WithArgs(sqlmock.AnyArg(), "new's organization", sqlmock.AnyArg(), sqlmock.AnyArg(), "{}").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at", "updated_at"}).AddRow(1, now, now))
	mock.ExpectExec("INSERT INTO memberships").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "owner", "accepted").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE users SET preferred_organization_id").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectCommit()

	result, err := dir.ProvisionUser(context.Background(), ProvisionRequest{
		Subject:              "idp|new",
		Email:                "new@example.com",
		EmailVerified:        true,
		PersonalOrganization: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Created)
	require.NotNil(t, result.Organization)
	assert.Equal(t, result.User.ID, result.Organization.OwnerID)
	require.NotNil(t, result.User.PreferredOrganizationID)
	assert.Equal(t, result.Organization.ID, *result.User.PreferredOrganizationID)
	assert.Equal(t, 2, result.User.Version)
	assert.Equal(t, PersonalSlug(result.User.ID), result.Organization.Slug)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory_ProvisionExistingUser(t *testing.T) {
	dir, mock := newMockDirectory(t)
	id := uuid.New()
	now := time.Now().UTC()

	t.Run("unchanged profile", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM users WHERE external_subject").
			WithArgs("idp|1").
			WillReturnRows(sqlmock.NewRows(userCols).
				AddRow(id.String(), "idp|1", "a@example.com", true, nil, nil, 1, now, now))
		mock.ExpectCommit()

		result, err := dir.ProvisionUser(context.Background(), ProvisionRequest{
			Subject: "idp|1", Email: "a@example.com", EmailVerified: true, PersonalOrganization: true,
		})
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.Nil(t, result.Organization)
		assert.Equal(t, id, result.User.ID)
	})

	t.Run("refreshed email", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM users WHERE external_subject").
			WithArgs("idp|1").
			WillReturnRows(sqlmock.NewRows(userCols).
				AddRow(id.String(), "idp|1", "a@example.com", false, nil, nil, 1, now, now))
		mock.ExpectQuery("UPDATE users").
			WithArgs("b@example.com", true, id).
			WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(2, now))
		mock.ExpectCommit()

		result, err := dir.ProvisionUser(context.Background(), ProvisionRequest{
			Subject: "idp|1", Email: "b@example.com", EmailVerified: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "b@example.com", result.User.Email)
		assert.True(t, result.User.EmailVerified)
		assert.Equal(t, 2, result.User.Version)
	})

	t.Run("soft deleted", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM users WHERE external_subject").
			WithArgs("idp|1").
			WillReturnRows(sqlmock.NewRows(userCols).
				AddRow(id.String(), "idp|1", "a@example.com", true, nil, now, 4, now, now))
		mock.ExpectRollback()

		_, err := dir.ProvisionUser(context.Background(), ProvisionRequest{Subject: "idp|1"})
		assert.ErrorIs(t, err, ErrUserDeleted)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory_ProvisionLosesInsertRace(t *testing.T) {
	dir, mock := newMockDirectory(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE external_subject").
		WithArgs("idp|race").
		WillReturnRows(sqlmock.NewRows(userCols))
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at", "updated_at"}))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE external_subject").
		WithArgs("idp|race").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(id.String(), "idp|race", "r@example.com", true, nil, nil, 1, now, now))

	result, err := dir.ProvisionUser(context.Background(), ProvisionRequest{Subject: "idp|race", Email: "r@example.com"})
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Equal(t, id, result.User.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory_ProvisionRequiresSubject(t *testing.T) {
	dir, _ := newMockDirectory(t)
	_, err := dir.ProvisionUser(context.Background(), ProvisionRequest{})
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestPostgresDirectory_GetOrganization(t *testing.T) {
	dir, mock := newMockDirectory(t)
	id, owner := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM organizations").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "owner_id", "settings", "version", "created_at", "updated_at"}).
			AddRow(id.String(), "Acme", "acme", owner.String(), []byte(`{"max_members":5,"require_verified_email":true}`), 2, now, now))

	org, err := dir.GetOrganization(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "acme", org.Slug)
	assert.Equal(t, owner, org.OwnerID)
	assert.True(t, org.Settings.RequireVerifiedEmail)
	assert.Equal(t, 5, org.Settings.MaxMembers)

	mock.ExpectQuery("SELECT (.+) FROM organizations").WithArgs(id).WillReturnError(sql.ErrNoRows)
	_, err = dir.GetOrganization(context.Background(), id)
	assert.ErrorIs(t, err, ErrOrganizationNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

var membershipCols = []string{
	"id", "user_id", "organization_id", "role", "active", "joined_at", "invitation_state", "invitation_expires_at",
}

func TestPostgresDirectory_Memberships(t *testing.T) {
	dir, mock := newMockDirectory(t)
	userID, orgA, orgB := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM memberships m").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(membershipCols).
			AddRow(uuid.NewString(), userID.String(), orgA.String(), "admin", true, now, "accepted", nil).
			AddRow(uuid.NewString(), userID.String(), orgB.String(), "viewer", true, now, "pending", now.Add(time.Hour)))

	list, err := dir.ListMemberships(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Effective())
	assert.Equal(t, rbac.RoleAdmin, list[0].Role)
	assert.False(t, list[1].Effective(), "pending invitation is not a membership")
	require.NotNil(t, list[1].InvitationExpiresAt)

	mock.ExpectQuery("SELECT (.+) FROM memberships m").
		WithArgs(userID, orgB).
		WillReturnError(sql.ErrNoRows)
	_, err = dir.GetMembership(context.Background(), userID, orgB)
	assert.ErrorIs(t, err, ErrMembershipNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory_ListOverrides(t *testing.T) {
	dir, mock := newMockDirectory(t)
	membershipID, granter := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM permission_overrides").
		WithArgs(membershipID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "membership_id", "direction", "permission", "resource_scope", "granted_by", "granted_at", "expires_at"}).
			AddRow(uuid.NewString(), membershipID.String(), "grant", "servers:start", nil, granter.String(), now, nil).
			AddRow(uuid.NewString(), membershipID.String(), "deny", "servers:delete", "srv-1", nil, now, now.Add(time.Hour)))

	overrides, err := dir.ListOverrides(context.Background(), membershipID)
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.Equal(t, rbac.Grant, overrides[0].Direction)
	assert.Equal(t, granter, overrides[0].GrantedBy)
	assert.Empty(t, overrides[0].ResourceScope)
	assert.Nil(t, overrides[0].ExpiresAt)
	assert.Equal(t, rbac.Deny, overrides[1].Direction)
	assert.Equal(t, "srv-1", overrides[1].ResourceScope)
	assert.Equal(t, uuid.Nil, overrides[1].GrantedBy)
	require.NotNil(t, overrides[1].ExpiresAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory_TransferOwnership(t *testing.T) {
	orgID, oldOwner, newOwner := uuid.New(), uuid.New(), uuid.New()

	t.Run("swaps roles atomically", func(t *testing.T) {
		dir, mock := newMockDirectory(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT owner_id FROM organizations").
			WithArgs(orgID).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(oldOwner.String()))
		mock.ExpectExec("UPDATE memberships SET role").
			WithArgs("owner", newOwner, orgID, "accepted").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE memberships SET role").
			WithArgs("admin", oldOwner, orgID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE organizations SET owner_id").
			WithArgs(newOwner, sqlmock.AnyArg(), orgID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, dir.TransferOwnership(context.Background(), orgID, oldOwner, newOwner))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("caller is not owner", func(t *testing.T) {
		dir, mock := newMockDirectory(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT owner_id FROM organizations").
			WithArgs(orgID).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(uuid.NewString()))
		mock.ExpectRollback()

		err := dir.TransferOwnership(context.Background(), orgID, oldOwner, newOwner)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("new owner has no accepted membership", func(t *testing.T) {
		dir, mock := newMockDirectory(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT owner_id FROM organizations").
			WithArgs(orgID).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(oldOwner.String()))
		mock.ExpectExec("UPDATE memberships SET role").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := dir.TransferOwnership(context.Background(), orgID, oldOwner, newOwner)
		assert.ErrorIs(t, err, ErrMembershipNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
