package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/contextkeys"
	"github.com/platinummonkey/tenantauth/pkg/httputil"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
	"github.com/platinummonkey/tenantauth/pkg/tokens"
)

// TokenValidator validates platform access tokens
type TokenValidator interface {
	Validate(raw string) (*tokens.Claims, error)
}

// Authenticate requires a valid Bearer access token. The claims, user id
// and organization id are stored in the request context. Rejections are
// audited as authentication failures through recorder, which may be nil.
func Authenticate(validator TokenValidator, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := httputil.BearerToken(r)
			if !ok {
				recordAuthnFailure(r, recorder, "missing")
				httputil.WriteUnauthorized(w, "invalid_token", "missing bearer token")
				return
			}

			claims, err := validator.Validate(raw)
			if err != nil {
				reason := tokenReason(err)
				observability.FromContext(r.Context()).WithField("reason", reason).Debug("Access token rejected")
				recordAuthnFailure(r, recorder, reason)
				httputil.WriteUnauthorized(w, "invalid_token", "invalid or expired access token")
				return
			}

			ctx := contextkeys.WithClaims(r.Context(), claims)
			ctx = contextkeys.WithUserID(ctx, claims.Subject)
			ctx = contextkeys.WithOrgID(ctx, claims.OrganizationID)
			ctx = observability.WithUserID(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFrom returns the authenticated claims, nil when the request did
// not pass through Authenticate
func ClaimsFrom(ctx context.Context) *tokens.Claims {
	claims, _ := contextkeys.Claims(ctx).(*tokens.Claims)
	return claims
}

func recordAuthnFailure(r *http.Request, recorder *audit.Recorder, reason string) {
	recorder.Record(r.Context(), audit.Entry{
		Type:   audit.EventAuthnFailure,
		Status: audit.StatusFailure,
		Reason: reason,
		Detail: map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		},
	})
}

// RequirePermission rejects requests whose access token lacks perm. Denials
// are audited through recorder, which may be nil.
func RequirePermission(perm rbac.Permission, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil {
				httputil.WriteUnauthorized(w, "invalid_token", "authentication required")
				return
			}
			if !claims.HasPermission(string(perm), "") {
				recorder.Record(r.Context(), audit.Entry{
					Type:                 audit.EventAccessDenied,
					Status:               audit.StatusDenied,
					Reason:               "insufficient_permissions",
					ActorID:              claims.Subject,
					TargetOrganizationID: claims.OrganizationID,
					ResourceType:         audit.ResourceOrganization,
					ResourceID:           claims.OrganizationID,
					Detail: map[string]interface{}{
						"permission": string(perm),
						"method":     r.Method,
						"path":       r.URL.Path,
					},
				})
				httputil.WriteForbidden(w, "insufficient_permissions", "missing permission "+string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenReason(err error) string {
	switch {
	case errors.Is(err, tokens.ErrTokenExpired):
		return "expired"
	case errors.Is(err, tokens.ErrInvalidSignature), errors.Is(err, tokens.ErrUnknownKey), errors.Is(err, tokens.ErrMissingKeyID):
		return "signature"
	case errors.Is(err, tokens.ErrInvalidIssuer), errors.Is(err, tokens.ErrInvalidAudience):
		return "untrusted"
	default:
		return "malformed"
	}
}
