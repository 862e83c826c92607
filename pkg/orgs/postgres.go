package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantauth/pkg/rbac"
)

// PostgresDirectory implements Directory on PostgreSQL
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over db
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, external_subject, email, email_verified, preferred_organization_id,
		       deleted_at, version, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var (
		preferred uuid.NullUUID
		deletedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.ExternalSubject, &u.Email, &u.EmailVerified, &preferred,
		&deletedAt, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if preferred.Valid {
		id := preferred.UUID
		u.PreferredOrganizationID = &id
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		u.DeletedAt = &t
	}
	return u, nil
}

// GetUser retrieves a live user by ID
func (d *PostgresDirectory) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	u, err := scanUser(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserBySubject retrieves a live user by external subject
func (d *PostgresDirectory) GetUserBySubject(ctx context.Context, subject string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_subject = $1 AND deleted_at IS NULL`
	u, err := scanUser(d.db.QueryRowContext(ctx, query, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by subject: %w", err)
	}
	return u, nil
}

// ProvisionUser implements Directory. An existing user has its email and
// verification flag refreshed from the identity provider. A soft-deleted
// user is never resurrected.
func (d *PostgresDirectory) ProvisionUser(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if req.Subject == "" {
		return nil, ErrInvalidSubject
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `SELECT ` + userColumns + ` FROM users WHERE external_subject = $1 FOR UPDATE`
	existing, err := scanUser(tx.QueryRowContext(ctx, selectQuery, req.Subject))
	switch {
	case err == nil:
		if existing.DeletedAt != nil {
			return nil, ErrUserDeleted
		}
		if existing.Email != req.Email || existing.EmailVerified != req.EmailVerified {
			updateQuery := `
				UPDATE users
				SET email = $1, email_verified = $2, version = version + 1, updated_at = NOW()
				WHERE id = $3
				RETURNING version, updated_at
			`
			if err := tx.QueryRowContext(ctx, updateQuery, req.Email, req.EmailVerified, existing.ID).
				Scan(&existing.Version, &existing.UpdatedAt); err != nil {
				return nil, fmt.Errorf("failed to refresh user profile: %w", err)
			}
			existing.Email = req.Email
			existing.EmailVerified = req.EmailVerified
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &ProvisionResult{User: existing}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	user := &User{
		ID:              uuid.New(),
		ExternalSubject: req.Subject,
		Email:           req.Email,
		EmailVerified:   req.EmailVerified,
	}
	insertQuery := `
		INSERT INTO users (id, external_subject, email, email_verified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_subject) DO NOTHING
		RETURNING version, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, insertQuery, user.ID, user.ExternalSubject, user.Email, user.EmailVerified).
		Scan(&user.Version, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// A concurrent exchange for the same subject won the insert.
		tx.Rollback()
		winner, err := d.GetUserBySubject(ctx, req.Subject)
		if err != nil {
			return nil, err
		}
		return &ProvisionResult{User: winner}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	result := &ProvisionResult{User: user, Created: true}

	if req.PersonalOrganization {
		org, err := d.createPersonalOrganization(ctx, tx, user)
		if err != nil {
			return nil, err
		}
		result.Organization = org
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

func (d *PostgresDirectory) createPersonalOrganization(ctx context.Context, tx *sql.Tx, user *User) (*Organization, error) {
	org := &Organization{
		ID:      uuid.New(),
		Name:    PersonalName(user.Email),
		Slug:    PersonalSlug(user.ID),
		OwnerID: user.ID,
	}
	settings, err := json.Marshal(org.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	orgQuery := `
		INSERT INTO organizations (id, name, slug, owner_id, settings)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING version, created_at, updated_at
	`
	if err := tx.QueryRowContext(ctx, orgQuery, org.ID, org.Name, org.Slug, org.OwnerID, string(settings)).
		Scan(&org.Version, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create personal organization: %w", err)
	}

	memberQuery := `
		INSERT INTO memberships (id, user_id, organization_id, role, active, invitation_state)
		VALUES ($1, $2, $3, $4, TRUE, $5)
	`
	if _, err := tx.ExecContext(ctx, memberQuery, uuid.New(), user.ID, org.ID,
		string(rbac.RoleOwner), string(InvitationAccepted)); err != nil {
		return nil, fmt.Errorf("failed to create owner membership: %w", err)
	}

	prefQuery := `
		UPDATE users SET preferred_organization_id = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING version
	`
	if err := tx.QueryRowContext(ctx, prefQuery, org.ID, user.ID).Scan(&user.Version); err != nil {
		return nil, fmt.Errorf("failed to set preferred organization: %w", err)
	}
	user.PreferredOrganizationID = &org.ID

	return org, nil
}

// GetOrganization retrieves a live organization by ID
func (d *PostgresDirectory) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	query := `
		SELECT id, name, slug, owner_id, settings, version, created_at, updated_at
		FROM organizations
		WHERE id = $1 AND deleted_at IS NULL
	`
	org := &Organization{}
	var settings []byte
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.Name, &org.Slug, &org.OwnerID, &settings, &org.Version, &org.CreatedAt, &org.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &org.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	return org, nil
}

const membershipColumns = `m.id, m.user_id, m.organization_id, m.role, m.active, m.joined_at,
		       m.invitation_state, m.invitation_expires_at`

func scanMembership(row rowScanner) (*Membership, error) {
	m := &Membership{}
	var (
		role, state string
		expires     sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.OrganizationID, &role, &m.Active, &m.JoinedAt, &state, &expires); err != nil {
		return nil, err
	}
	m.Role = rbac.RoleName(role)
	m.InvitationState = InvitationState(state)
	if expires.Valid {
		t := expires.Time
		m.InvitationExpiresAt = &t
	}
	return m, nil
}

// ListMemberships implements Directory. Memberships in deleted
// organizations are excluded.
func (d *PostgresDirectory) ListMemberships(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.user_id = $1 AND m.active AND o.deleted_at IS NULL
		ORDER BY m.joined_at
	`
	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}
	return memberships, nil
}

// GetMembership returns the active membership of userID in orgID
func (d *PostgresDirectory) GetMembership(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.user_id = $1 AND m.organization_id = $2 AND m.active AND o.deleted_at IS NULL
	`
	m, err := scanMembership(d.db.QueryRowContext(ctx, query, userID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListOverrides returns every override of a membership, expired ones
// included; rbac.Compute filters by time.
func (d *PostgresDirectory) ListOverrides(ctx context.Context, membershipID uuid.UUID) ([]rbac.Override, error) {
	query := `
		SELECT id, membership_id, direction, permission, resource_scope, granted_by, granted_at, expires_at
		FROM permission_overrides
		WHERE membership_id = $1
		ORDER BY granted_at
	`
	rows, err := d.db.QueryContext(ctx, query, membershipID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []rbac.Override
	for rows.Next() {
		var (
			o                     rbac.Override
			direction, permission string
			scope                 sql.NullString
			grantedBy             uuid.NullUUID
			expires               sql.NullTime
		)
		if err := rows.Scan(&o.ID, &o.MembershipID, &direction, &permission, &scope, &grantedBy, &o.GrantedAt, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.Direction = rbac.Direction(direction)
		o.Permission = rbac.Permission(permission)
		o.ResourceScope = scope.String
		o.GrantedBy = grantedBy.UUID
		if expires.Valid {
			t := expires.Time
			o.ExpiresAt = &t
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate overrides: %w", err)
	}
	return overrides, nil
}

// TransferOwnership implements Directory
func (d *PostgresDirectory) TransferOwnership(ctx context.Context, orgID, currentOwnerID, newOwnerID uuid.UUID) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id FROM organizations WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, orgID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrganizationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock organization: %w", err)
	}
	if owner != currentOwnerID {
		return ErrNotOwner
	}
	if newOwnerID == currentOwnerID {
		return nil
	}

	promote := `
		UPDATE memberships SET role = $1
		WHERE user_id = $2 AND organization_id = $3 AND active AND invitation_state = $4
	`
	res, err := tx.ExecContext(ctx, promote, string(rbac.RoleOwner), newOwnerID, orgID, string(InvitationAccepted))
	if err != nil {
		return fmt.Errorf("failed to promote new owner: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrMembershipNotFound
	}

	demote := `UPDATE memberships SET role = $1 WHERE user_id = $2 AND organization_id = $3 AND active`
	if _, err := tx.ExecContext(ctx, demote, string(rbac.RoleAdmin), currentOwnerID, orgID); err != nil {
		return fmt.Errorf("failed to demote previous owner: %w", err)
	}

	update := `UPDATE organizations SET owner_id = $1, version = version + 1, updated_at = $2 WHERE id = $3`
	if _, err := tx.ExecContext(ctx, update, newOwnerID, time.Now().UTC(), orgID); err != nil {
		return fmt.Errorf("failed to update organization owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
