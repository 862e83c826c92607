package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRoleStore_GetCustomRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresRoleStore(db)
	orgID := uuid.New()

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"name", "display_name", "permissions", "assignable_roles"}).
			AddRow("release-manager", "Release Manager", "{servers:read,servers:start}", "{viewer,junior}")
		mock.ExpectQuery("SELECT (.+) FROM custom_roles").
			WithArgs(orgID, "release-manager").
			WillReturnRows(rows)

		role, err := store.GetCustomRole(context.Background(), orgID, "release-manager")
		require.NoError(t, err)
		assert.Equal(t, RoleName("release-manager"), role.Name)
		assert.Equal(t, "Release Manager", role.DisplayName)
		assert.Equal(t, []Permission{ServersRead, ServersStart}, role.Permissions)
		assert.Equal(t, []RoleName{"junior"}, role.AssignableRoles, "system roles are stripped")
		assert.Equal(t, orgID, role.OrganizationID)
		assert.False(t, role.System)
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM custom_roles").
			WithArgs(orgID, "nope").
			WillReturnRows(sqlmock.NewRows([]string{"name", "display_name", "permissions", "assignable_roles"}))

		_, err := store.GetCustomRole(context.Background(), orgID, "nope")
		assert.ErrorIs(t, err, ErrRoleNotFound)
	})

	t.Run("malformed permission", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"name", "display_name", "permissions", "assignable_roles"}).
			AddRow("broken", "Broken", "{everything}", "{}")
		mock.ExpectQuery("SELECT (.+) FROM custom_roles").WithArgs(orgID, "broken").WillReturnRows(rows)

		_, err := store.GetCustomRole(context.Background(), orgID, "broken")
		assert.Error(t, err)
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM custom_roles").WithArgs(orgID, "x").WillReturnError(errors.New("timeout"))

		_, err := store.GetCustomRole(context.Background(), orgID, "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRoleNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRoleStore_CreateCustomRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresRoleStore(db)
	orgID := uuid.New()

	mock.ExpectExec("INSERT INTO custom_roles").
		WithArgs(sqlmock.AnyArg(), orgID, "release-manager", "Release Manager",
			pq.Array([]string{"servers:start"}), pq.Array([]string{})).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.CreateCustomRole(context.Background(), RoleDefinition{
		Name:           "release-manager",
		DisplayName:    "Release Manager",
		Permissions:    []Permission{ServersStart},
		OrganizationID: orgID,
	})
	require.NoError(t, err)

	err = store.CreateCustomRole(context.Background(), RoleDefinition{Name: RoleOwner, OrganizationID: orgID})
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
