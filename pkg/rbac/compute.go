package rbac

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction is the effect of an override
type Direction string

const (
	Grant Direction = "grant"
	Deny  Direction = "deny"
)

// Override adjusts one membership's permissions. Expired overrides are kept
// for audit and ignored at evaluation time.
type Override struct {
	ID            uuid.UUID
	MembershipID  uuid.UUID
	Direction     Direction
	Permission    Permission
	ResourceScope string
	GrantedBy     uuid.UUID
	GrantedAt     time.Time
	ExpiresAt     *time.Time
}

// ActiveAt reports whether the override applies at t
func (o Override) ActiveAt(t time.Time) bool {
	if o.GrantedAt.After(t) {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(t)
}

// Set is an effective permission set. Entries are permission strings or
// "permission@scope" for resource-scoped grants.
type Set map[string]struct{}

// Has reports whether entry is in the set
func (s Set) Has(entry string) bool {
	_, ok := s[entry]
	return ok
}

// Allows reports whether p is granted either globally or for scope
func (s Set) Allows(p Permission, scope string) bool {
	return s.Has(string(p)) || (scope != "" && s.Has(p.Scoped(scope)))
}

// Sorted returns the entries in a stable order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for entry := range s {
		out = append(out, entry)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries
func (s Set) Len() int {
	return len(s)
}

// Compute folds overrides onto the role's implied permissions as of asOf.
// Grants are unioned first and denies removed last, so a deny always wins.
// An unscoped deny also removes every scoped form of the permission.
func Compute(role RoleDefinition, overrides []Override, asOf time.Time) Set {
	set := make(Set, len(role.Permissions)+len(overrides))
	for _, p := range role.Permissions {
		set[string(p)] = struct{}{}
	}

	var denies []Override
	for _, o := range overrides {
		if !o.ActiveAt(asOf) {
			continue
		}
		switch o.Direction {
		case Grant:
			set[o.Permission.Scoped(o.ResourceScope)] = struct{}{}
		default:
			// Deny, or a direction this build does not know: fail closed.
			denies = append(denies, o)
		}
	}

	for _, o := range denies {
		if o.ResourceScope != "" {
			delete(set, o.Permission.Scoped(o.ResourceScope))
			continue
		}
		prefix := string(o.Permission) + "@"
		for entry := range set {
			if entry == string(o.Permission) || strings.HasPrefix(entry, prefix) {
				delete(set, entry)
			}
		}
	}

	return set
}
