package tokens

import (
	"fmt"
	"sort"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the payload of a platform access token
type Claims struct {
	OrganizationID string   `json:"org_id"`
	Email          string   `json:"email,omitempty"`
	EmailVerified  bool     `json:"email_verified"`
	Permissions    []string `json:"permissions"`
	jwt.RegisteredClaims
}

// reservedClaims may not be supplied as extra claims
var reservedClaims = map[string]struct{}{
	"sub":            {},
	"org_id":         {},
	"email":          {},
	"email_verified": {},
	"permissions":    {},
	"iss":            {},
	"aud":            {},
	"iat":            {},
	"nbf":            {},
	"exp":            {},
	"jti":            {},
}

// UserID parses the subject
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return id, nil
}

// OrgID parses the organization claim
func (c *Claims) OrgID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.OrganizationID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid organization: %w", err)
	}
	return id, nil
}

// HasPermission reports whether the token carries perm, either globally or
// for scope when scope is non-empty.
func (c *Claims) HasPermission(perm, scope string) bool {
	for _, p := range c.Permissions {
		if p == perm || (scope != "" && p == perm+"@"+scope) {
			return true
		}
	}
	return false
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
