package rbac

import (
	"sort"

	"github.com/google/uuid"
)

// RoleName identifies a system or custom role
type RoleName string

// System role names
const (
	RoleOwner           RoleName = "owner"
	RoleAdmin           RoleName = "admin"
	RoleOperator        RoleName = "operator"
	RoleViewer          RoleName = "viewer"
	RolePlatformAdmin   RoleName = "platform:admin"
	RolePlatformSupport RoleName = "platform:support"
)

// RoleDefinition is the permission bundle behind a role name
type RoleDefinition struct {
	Name        RoleName
	DisplayName string
	Permissions []Permission
	// AssignableRoles lists the roles a holder of this role may grant
	AssignableRoles []RoleName
	// AssignsCustomRoles allows granting organization custom roles whose
	// permissions are a subset of this role's own.
	AssignsCustomRoles bool
	System             bool
	// OrganizationID owns a custom role; uuid.Nil for system roles
	OrganizationID uuid.UUID
}

// Implies reports whether the role grants p by definition
func (r RoleDefinition) Implies(p Permission) bool {
	for _, perm := range r.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// Assigns reports whether the role's assignable set names target
func (r RoleDefinition) Assigns(target RoleName) bool {
	for _, name := range r.AssignableRoles {
		if name == target {
			return true
		}
	}
	return false
}

func (r RoleDefinition) clone() RoleDefinition {
	r.Permissions = append([]Permission(nil), r.Permissions...)
	r.AssignableRoles = append([]RoleName(nil), r.AssignableRoles...)
	return r
}

var (
	viewerPermissions = []Permission{
		OrganizationRead,
		MembersRead,
		ServersRead,
		ServersLogsRead,
		BackupsRead,
		ActivityRead,
	}

	operatorPermissions = union(viewerPermissions,
		ServersStart,
		ServersStop,
		ServersRestart,
		ServersConsole,
		ServersFilesWrite,
		BackupsCreate,
		BackupsRestore,
	)

	adminPermissions = union(operatorPermissions,
		OrganizationUpdate,
		MembersInvite,
		MembersRemove,
		MembersUpdateRole,
		RolesRead,
		RolesManage,
		ServersCreate,
		ServersDelete,
		BackupsDelete,
		BillingRead,
		APIKeysManage,
	)

	ownerPermissions = union(adminPermissions,
		OrganizationDelete,
		OrganizationTransfer,
		BillingManage,
	)

	platformSupportPermissions = []Permission{
		PlatformOrganizationsRead,
		PlatformUsersRead,
		PlatformAuditRead,
	}

	platformAdminPermissions = union(platformSupportPermissions,
		PlatformOrganizationsManage,
		PlatformUsersManage,
	)
)

// systemRoles is built once and never mutated; lookups hand out clones.
var systemRoles = map[RoleName]RoleDefinition{
	RoleOwner: {
		Name:               RoleOwner,
		DisplayName:        "Owner",
		Permissions:        ownerPermissions,
		AssignableRoles:    []RoleName{RoleAdmin, RoleOperator, RoleViewer},
		AssignsCustomRoles: true,
		System:             true,
	},
	RoleAdmin: {
		Name:               RoleAdmin,
		DisplayName:        "Administrator",
		Permissions:        adminPermissions,
		AssignableRoles:    []RoleName{RoleOperator, RoleViewer},
		AssignsCustomRoles: true,
		System:             true,
	},
	RoleOperator: {
		Name:        RoleOperator,
		DisplayName: "Operator",
		Permissions: operatorPermissions,
		System:      true,
	},
	RoleViewer: {
		Name:        RoleViewer,
		DisplayName: "Viewer",
		Permissions: viewerPermissions,
		System:      true,
	},
	RolePlatformAdmin: {
		Name:            RolePlatformAdmin,
		DisplayName:     "Platform Administrator",
		Permissions:     platformAdminPermissions,
		AssignableRoles: []RoleName{RolePlatformSupport},
		System:          true,
	},
	RolePlatformSupport: {
		Name:        RolePlatformSupport,
		DisplayName: "Platform Support",
		Permissions: platformSupportPermissions,
		System:      true,
	},
}

// SystemRole returns a copy of the named system role
func SystemRole(name RoleName) (RoleDefinition, bool) {
	role, ok := systemRoles[name]
	if !ok {
		return RoleDefinition{}, false
	}
	return role.clone(), true
}

// SystemRoleNames lists the system roles in sorted order
func SystemRoleNames() []RoleName {
	names := make([]RoleName, 0, len(systemRoles))
	for name := range systemRoles {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// IsSystemRole reports whether name is reserved by the system table
func IsSystemRole(name RoleName) bool {
	_, ok := systemRoles[name]
	return ok
}

func union(base []Permission, extra ...Permission) []Permission {
	out := make([]Permission, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
