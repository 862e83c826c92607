/*
Package rbac holds the permission algebra for organization members.

Roles are data. System roles (owner, admin, operator, viewer and the two
platform roles) live in an immutable table; organizations may add custom
roles stored in custom_roles. A member's effective permissions are the
role's implied set, plus active grant overrides, minus active deny
overrides:

	set := rbac.Compute(role, overrides, time.Now())
	if set.Allows(rbac.ServersStart, "srv-1") { ... }

Deny always wins, and expired overrides are ignored at evaluation time.
Scoped overrides produce "permission@scope" entries.

Service resolves role names (system table first, then a cached RoleStore
lookup) and enforces that an assigner only grants roles in its assignable
set.
*/
package rbac
