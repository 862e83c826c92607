package rbac

import "strings"

// Permission is a "resource:action" string carried in access tokens
type Permission string

// Organization-scoped permissions
const (
	OrganizationRead     Permission = "organization:read"
	OrganizationUpdate   Permission = "organization:update"
	OrganizationDelete   Permission = "organization:delete"
	OrganizationTransfer Permission = "organization:transfer"

	MembersRead       Permission = "members:read"
	MembersInvite     Permission = "members:invite"
	MembersRemove     Permission = "members:remove"
	MembersUpdateRole Permission = "members:update_role"

	RolesRead   Permission = "roles:read"
	RolesManage Permission = "roles:manage"

	ServersRead       Permission = "servers:read"
	ServersCreate     Permission = "servers:create"
	ServersStart      Permission = "servers:start"
	ServersStop       Permission = "servers:stop"
	ServersRestart    Permission = "servers:restart"
	ServersDelete     Permission = "servers:delete"
	ServersConsole    Permission = "servers:console"
	ServersLogsRead   Permission = "servers:logs:read"
	ServersFilesWrite Permission = "servers:files:write"

	BackupsRead    Permission = "backups:read"
	BackupsCreate  Permission = "backups:create"
	BackupsRestore Permission = "backups:restore"
	BackupsDelete  Permission = "backups:delete"

	BillingRead   Permission = "billing:read"
	BillingManage Permission = "billing:manage"

	ActivityRead  Permission = "activity:read"
	APIKeysManage Permission = "api_keys:manage"
)

// Platform-level permissions held by staff roles
const (
	PlatformOrganizationsRead   Permission = "platform:organizations:read"
	PlatformOrganizationsManage Permission = "platform:organizations:manage"
	PlatformUsersRead           Permission = "platform:users:read"
	PlatformUsersManage         Permission = "platform:users:manage"
	PlatformAuditRead           Permission = "platform:audit:read"
)

// Scoped returns the "permission@scope" form used for resource-scoped overrides
func (p Permission) Scoped(scope string) string {
	if scope == "" {
		return string(p)
	}
	return string(p) + "@" + scope
}

// Valid reports whether p has the resource:action shape
func (p Permission) Valid() bool {
	s := string(p)
	if strings.ContainsAny(s, "@ \t\n") {
		return false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
	}
	return true
}
