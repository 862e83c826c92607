package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRoleStore reads organization custom roles from custom_roles
type PostgresRoleStore struct {
	db *sql.DB
}

// NewPostgresRoleStore creates a role store over db
func NewPostgresRoleStore(db *sql.DB) *PostgresRoleStore {
	return &PostgresRoleStore{db: db}
}

// GetCustomRole implements RoleStore
func (s *PostgresRoleStore) GetCustomRole(ctx context.Context, orgID uuid.UUID, name RoleName) (*RoleDefinition, error) {
	query := `
		SELECT name, display_name, permissions, assignable_roles
		FROM custom_roles
		WHERE organization_id = $1 AND name = $2
	`

	var (
		roleName    string
		perms       []string
		assignable  []string
		displayName string
	)
	err := s.db.QueryRowContext(ctx, query, orgID, string(name)).Scan(
		&roleName, &displayName, pq.Array(&perms), pq.Array(&assignable),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query custom role: %w", err)
	}

	role := &RoleDefinition{
		Name:           RoleName(roleName),
		DisplayName:    displayName,
		OrganizationID: orgID,
	}
	for _, p := range perms {
		perm := Permission(p)
		if !perm.Valid() {
			return nil, fmt.Errorf("custom role %q names unknown permission %q", roleName, p)
		}
		role.Permissions = append(role.Permissions, perm)
	}
	for _, r := range assignable {
		// custom roles may never hand out system roles
		if IsSystemRole(RoleName(r)) {
			continue
		}
		role.AssignableRoles = append(role.AssignableRoles, RoleName(r))
	}
	return role, nil
}

// CreateCustomRole inserts a custom role. Names that collide with a system
// role are rejected.
func (s *PostgresRoleStore) CreateCustomRole(ctx context.Context, role RoleDefinition) error {
	if IsSystemRole(role.Name) {
		return fmt.Errorf("custom role may not shadow system role %q", role.Name)
	}
	perms := make([]string, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		if !p.Valid() {
			return fmt.Errorf("unknown permission %q", p)
		}
		perms = append(perms, string(p))
	}
	assignable := make([]string, 0, len(role.AssignableRoles))
	for _, r := range role.AssignableRoles {
		assignable = append(assignable, string(r))
	}

	query := `
		INSERT INTO custom_roles (id, organization_id, name, display_name, permissions, assignable_roles)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New(), role.OrganizationID, string(role.Name), role.DisplayName,
		pq.Array(perms), pq.Array(assignable),
	)
	if err != nil {
		return fmt.Errorf("failed to insert custom role: %w", err)
	}
	return nil
}
