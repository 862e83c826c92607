// Package contextkeys provides centralized context key definitions.
//
// All request-scoped values shared between middleware and handlers are
// keyed here so that setters and getters agree on types.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ClaimsKey contains *tokens.Claims
	// Set by: middleware.Authenticate
	// Required by: switch-organization handler, RequirePermission
	ClaimsKey Key = "claims"

	// RequestIDKey contains the request ULID string
	// Set by: middleware.RequestID
	// Used by: audit correlation ids, logger
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated user id string
	UserIDKey Key = "user_id"

	// OrgIDKey contains the organization id the access token is scoped to
	OrgIDKey Key = "organization_id"

	// ClientIPKey contains the caller address resolved by middleware.RequestID
	ClientIPKey Key = "client_ip"

	// UserAgentKey contains the caller User-Agent header
	UserAgentKey Key = "user_agent"
)

// WithClaims adds validated access token claims to the context
func WithClaims(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// Claims returns the raw claims value, nil when unauthenticated
func Claims(ctx context.Context) interface{} {
	return ctx.Value(ClaimsKey)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithOrgID adds organization ID to the context
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, OrgIDKey, orgID)
}

// WithClient adds the caller address and user agent to the context
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ClientIPKey, ip)
	return context.WithValue(ctx, UserAgentKey, userAgent)
}

// GetClientIP retrieves the caller address from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}

// GetUserAgent retrieves the caller user agent from context
func GetUserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(UserAgentKey).(string); ok {
		return ua
	}
	return ""
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetOrgID retrieves organization ID from context
func GetOrgID(ctx context.Context) string {
	if orgID, ok := ctx.Value(OrgIDKey).(string); ok {
		return orgID
	}
	return ""
}
