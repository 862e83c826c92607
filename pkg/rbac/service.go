package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tenantauth/pkg/audit"
)

var (
	// ErrUnknownRole is returned when a role name resolves to nothing
	ErrUnknownRole = errors.New("rbac: unknown role")

	// ErrRoleEscalation is returned when an assigner may not grant a role
	ErrRoleEscalation = errors.New("rbac: role escalation")

	// ErrRoleNotFound is returned by a RoleStore for a missing custom role
	ErrRoleNotFound = errors.New("rbac: custom role not found")
)

// RoleStore loads organization custom roles
type RoleStore interface {
	GetCustomRole(ctx context.Context, orgID uuid.UUID, name RoleName) (*RoleDefinition, error)
}

// ServiceOptions configures a Service
type ServiceOptions struct {
	// CacheSize bounds the custom role cache
	CacheSize int
	// CacheTTL is how long a resolved custom role is served from memory
	CacheTTL time.Duration
	// StoreTimeout bounds each RoleStore call
	StoreTimeout time.Duration
	Recorder     *audit.Recorder
}

// Service resolves roles and checks role assignment
type Service struct {
	store    RoleStore
	cache    *expirable.LRU[string, RoleDefinition]
	timeout  time.Duration
	recorder *audit.Recorder
}

// NewService creates a role service. store may be nil when only system
// roles are in use.
func NewService(store RoleStore, opts ServiceOptions) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	return &Service{
		store:    store,
		cache:    expirable.NewLRU[string, RoleDefinition](opts.CacheSize, nil, opts.CacheTTL),
		timeout:  opts.StoreTimeout,
		recorder: opts.Recorder,
	}
}

func cacheKey(orgID uuid.UUID, name RoleName) string {
	return orgID.String() + "/" + string(name)
}

// Resolve returns the definition behind name within orgID. System roles win
// over custom roles of the same name.
func (s *Service) Resolve(ctx context.Context, orgID uuid.UUID, name RoleName) (RoleDefinition, error) {
	if role, ok := SystemRole(name); ok {
		return role, nil
	}
	if name == "" || s.store == nil {
		return RoleDefinition{}, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}

	key := cacheKey(orgID, name)
	if role, ok := s.cache.Get(key); ok {
		return role.clone(), nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	role, err := s.store.GetCustomRole(storeCtx, orgID, name)
	if errors.Is(err, ErrRoleNotFound) {
		return RoleDefinition{}, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to load custom role: %w", err)
	}

	s.cache.Add(key, role.clone())
	return role.clone(), nil
}

// Invalidate drops a cached custom role after it was edited
func (s *Service) Invalidate(orgID uuid.UUID, name RoleName) {
	s.cache.Remove(cacheKey(orgID, name))
}

// CanAssign checks that a holder of assignerRole may grant targetRole within
// orgID. A target outside the assigner's assignable set is ErrRoleEscalation
// and is recorded as role.assign_denied.
func (s *Service) CanAssign(ctx context.Context, orgID uuid.UUID, assignerRole, targetRole RoleName) error {
	assigner, err := s.Resolve(ctx, orgID, assignerRole)
	if err != nil {
		return err
	}
	target, err := s.Resolve(ctx, orgID, targetRole)
	if err != nil {
		return err
	}

	if assigner.Assigns(target.Name) {
		return nil
	}
	if !target.System && assigner.AssignsCustomRoles && subset(target.Permissions, assigner) {
		return nil
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventRoleAssignDenied,
		Status:               audit.StatusDenied,
		Reason:               "role_escalation",
		TargetOrganizationID: orgID.String(),
		ResourceType:         audit.ResourceRole,
		ResourceID:           string(targetRole),
		Detail: map[string]interface{}{
			"assigner_role": string(assignerRole),
			"target_role":   string(targetRole),
		},
	})
	return fmt.Errorf("%w: %s may not assign %s", ErrRoleEscalation, assignerRole, targetRole)
}

func subset(perms []Permission, of RoleDefinition) bool {
	for _, p := range perms {
		if !of.Implies(p) {
			return false
		}
	}
	return true
}
