package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/contextkeys"
	"github.com/platinummonkey/tenantauth/pkg/middleware"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
	"github.com/platinummonkey/tenantauth/pkg/session/sessiontest"
)

func mintFor(t *testing.T, env *sessiontest.Env, role rbac.RoleName) (string, string, string) {
	t.Helper()
	user, org, _ := env.Member(role)
	grant, err := env.Authorizer.Authorize(context.Background(), user.ID, org.ID)
	require.NoError(t, err)
	token, err := env.Authorizer.Mint(grant)
	require.NoError(t, err)
	return token.Raw, user.ID.String(), org.ID.String()
}

func TestAuthenticate(t *testing.T) {
	env := sessiontest.New(t)
	raw, userID, orgID := mintFor(t, env, rbac.RoleViewer)

	var seenUser, seenOrg string
	handler := middleware.Authenticate(env.Tokens, env.Recorder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = contextkeys.GetUserID(r.Context())
		seenOrg = contextkeys.GetOrgID(r.Context())
		claims := middleware.ClaimsFrom(r.Context())
		require.NotNil(t, claims)
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
		reason string
	}{
		{"valid", "Bearer " + raw, http.StatusOK, ""},
		{"lowercase scheme", "bearer " + raw, http.StatusOK, ""},
		{"missing", "", http.StatusUnauthorized, "missing"},
		{"wrong scheme", "Basic " + raw, http.StatusUnauthorized, "missing"},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized, "malformed"},
		{"tampered", "Bearer " + raw[:len(raw)-4] + "AAAA", http.StatusUnauthorized, "signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.Audit.OfType(audit.EventAuthnFailure))
			req := httptest.NewRequest(http.MethodGet, "/v1/things", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)

			failures := env.Audit.OfType(audit.EventAuthnFailure)
			if tt.want != http.StatusUnauthorized {
				assert.Len(t, failures, before)
				return
			}
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
			assert.Contains(t, rec.Body.String(), `"error":"invalid_token"`)
			require.Len(t, failures, before+1)
			last := failures[len(failures)-1]
			assert.Equal(t, audit.StatusFailure, last.Status)
			assert.Equal(t, tt.reason, last.Reason)
			assert.Equal(t, "/v1/things", last.Detail["path"])
		})
	}

	assert.Equal(t, userID, seenUser)
	assert.Equal(t, orgID, seenOrg)
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	env := sessiontest.New(t)
	raw, _, _ := mintFor(t, env, rbac.RoleViewer)
	env.Clock.Advance(env.Tokens.TTL())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	middleware.Authenticate(env.Tokens, env.Recorder)(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	failures := env.Audit.OfType(audit.EventAuthnFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "expired", failures[0].Reason)
}

func TestRequirePermission(t *testing.T) {
	env := sessiontest.New(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	chain := func(h http.Handler) http.Handler {
		return middleware.Authenticate(env.Tokens, env.Recorder)(middleware.RequirePermission(rbac.MembersUpdateRole, env.Recorder)(h))
	}

	viewer, viewerID, viewerOrg := mintFor(t, env, rbac.RoleViewer)
	admin, _, _ := mintFor(t, env, rbac.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	rec := httptest.NewRecorder()
	chain(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_permissions")

	denied := env.Audit.OfType(audit.EventAccessDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, audit.StatusDenied, denied[0].Status)
	assert.Equal(t, viewerID, denied[0].ActorID)
	assert.Equal(t, viewerOrg, denied[0].TargetOrganizationID)
	assert.Equal(t, string(rbac.MembersUpdateRole), denied[0].Detail["permission"])

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	chain(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	middleware.RequirePermission(rbac.MembersUpdateRole, nil)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, env.Audit.OfType(audit.EventAccessDenied), 1, "admin passes without an audit entry")
}
