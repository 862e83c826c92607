package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/exchange"
	"github.com/platinummonkey/tenantauth/pkg/httputil"
	"github.com/platinummonkey/tenantauth/pkg/keys"
	"github.com/platinummonkey/tenantauth/pkg/middleware"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/orgswitch"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
	"github.com/platinummonkey/tenantauth/pkg/refresh"
	"github.com/platinummonkey/tenantauth/pkg/replay"
	"github.com/platinummonkey/tenantauth/pkg/session/sessiontest"
)

const (
	testIssuer   = "https://idp.example.com"
	testAudience = "tenantauth-exchange"
)

var (
	idpOnce sync.Once
	idpKey  *rsa.PrivateKey
)

func identityProviderKey() *rsa.PrivateKey {
	idpOnce.Do(func() {
		var err error
		if idpKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return idpKey
}

type testServer struct {
	*Server
	env   *sessiontest.Env
	redis *miniredis.Miniredis
}

func newTestServer(t *testing.T, limiter middleware.Limiter, opts ...func(*Deps)) *testServer {
	t.Helper()
	env := sessiontest.New(t)
	ctx := context.Background()

	verifier, err := exchange.NewOIDCVerifier(ctx, exchange.VerifierConfig{
		Issuer:    testIssuer,
		Audience:  testAudience,
		PublicKey: &identityProviderKey().PublicKey,
		Now:       env.Clock.Now,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	refreshService := refresh.NewService(refresh.NewMemoryStore(), env.Authorizer, env.Recorder, nil, metrics, refresh.Config{Now: env.Clock.Now})

	deps := Deps{
		Exchange: exchange.NewService(verifier, replay.NewRedisStore(client, replay.RedisConfig{}, nil, metrics),
			env.Authorizer, refreshService, env.Recorder, nil, metrics,
			exchange.Config{ProvisionPersonalOrganization: true, Now: env.Clock.Now}),
		Refresh:     refreshService,
		Switch:      orgswitch.NewService(env.Authorizer, refreshService, env.Recorder, nil, metrics, env.Clock.Now),
		Tokens:      env.Tokens,
		Roles:       env.Roles,
		Directory:   env.Directory,
		Keys:        env.Keys,
		Recorder:    env.Recorder,
		Health:      observability.NewHealthChecker(nil, client, "test"),
		Registry:    registry,
		Metrics:     metrics,
		RateLimiter: limiter,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testServer{Server: NewServer(deps), env: env, redis: mr}
}

func (s *testServer) exchangeToken(t *testing.T, subject string) string {
	t.Helper()
	now := s.env.Clock.Now()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            testIssuer,
		"aud":            testAudience,
		"sub":            subject,
		"email":          "person@example.com",
		"email_verified": true,
		"jti":            uuid.NewString(),
		"iat":            now.Unix(),
		"exp":            now.Add(5 * time.Minute).Unix(),
	}).SignedString(identityProviderKey())
	require.NoError(t, err)
	return raw
}

func (s *testServer) bearer(t *testing.T, userID, orgID uuid.UUID) string {
	t.Helper()
	grant, err := s.env.Authorizer.Authorize(context.Background(), userID, orgID)
	require.NoError(t, err)
	token, err := s.env.Authorizer.Mint(grant)
	require.NoError(t, err)
	return token.Raw
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/v1/auth/exchange", "", map[string]string{
		"exchangeToken": s.exchangeToken(t, "idp|lifecycle"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	session := decode[sessionResponse](t, rec)
	assert.Equal(t, int64(600), session.ExpiresIn)
	assert.NotEmpty(t, session.UserID)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: session.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decode[sessionResponse](t, rec)
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, session.OrganizationID, rotated.OrganizationID)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: session.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh_token_reused", decode[httputil.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: rotated.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "family revoked after reuse")
}

func TestExchangeErrors(t *testing.T) {
	s := newTestServer(t, nil)
	replayed := s.exchangeToken(t, "idp|errors")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/auth/exchange", "", map[string]string{"exchangeToken": replayed}).Code)

	tests := []struct {
		name   string
		body   interface{}
		status int
		reason string
	}{
		{"missing token", map[string]string{}, http.StatusBadRequest, "missing_exchange_token"},
		{"garbage", map[string]string{"exchangeToken": "abc"}, http.StatusUnauthorized, "invalid_token"},
		{"replayed", map[string]string{"exchangeToken": replayed}, http.StatusConflict, "token_already_used"},
		{"bad organization id", map[string]string{"exchangeToken": "abc", "organizationId": "nope"}, http.StatusBadRequest, "invalid_request"},
		{"unknown organization", map[string]string{
			"exchangeToken":  s.exchangeToken(t, "idp|errors"),
			"organizationId": uuid.NewString(),
		}, http.StatusConflict, "organization_required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/auth/exchange", "", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.reason, decode[httputil.ErrorResponse](t, rec).Error)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/exchange", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("replay store down", func(t *testing.T) {
		s.redis.Close()
		rec := s.do(t, http.MethodPost, "/v1/auth/exchange", "", map[string]string{"exchangeToken": s.exchangeToken(t, "idp|down")})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decode[httputil.ErrorResponse](t, rec)
		assert.Equal(t, "internal_error", body.Error)
		assert.NotContains(t, rec.Body.String(), "redis")
	})
}

func TestSwitchOrganization(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/v1/auth/exchange", "", map[string]string{"exchangeToken": s.exchangeToken(t, "idp|switch")})
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[sessionResponse](t, rec)

	user, err := s.env.Directory.GetUserBySubject(context.Background(), "idp|switch")
	require.NoError(t, err)
	target, _ := s.env.Join(user, rbac.RoleOperator)

	rec = s.do(t, http.MethodPost, "/v1/auth/switch-organization", "", switchRequest{OrganizationID: target.ID.String(), RefreshToken: session.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "bearer required")

	_, stranger, _ := s.env.Member(rbac.RoleViewer)
	rec = s.do(t, http.MethodPost, "/v1/auth/switch-organization", session.AccessToken, switchRequest{OrganizationID: stranger.ID.String(), RefreshToken: session.RefreshToken})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_member", decode[httputil.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/v1/auth/switch-organization", session.AccessToken, switchRequest{OrganizationID: target.ID.String(), RefreshToken: session.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	switched := decode[sessionResponse](t, rec)
	assert.Equal(t, target.ID.String(), switched.OrganizationID)
	assert.Contains(t, switched.Permissions, string(rbac.ServersStart))

	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: session.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old refresh token no longer redeems")

	rec = s.do(t, http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: switched.RefreshToken})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: switched.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: "rt_nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckAssignment(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	bearer := func(role rbac.RoleName) string {
		user, org, _ := s.env.Member(role)
		grant, err := s.env.Authorizer.Authorize(ctx, user.ID, org.ID)
		require.NoError(t, err)
		token, err := s.env.Authorizer.Mint(grant)
		require.NoError(t, err)
		return token.Raw
	}
	admin := bearer(rbac.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/v1/authz/check-assignment", admin, checkAssignmentRequest{Role: string(rbac.RoleOperator)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[checkAssignmentResponse](t, rec).Allowed)

	rec = s.do(t, http.MethodPost, "/v1/authz/check-assignment", admin, checkAssignmentRequest{Role: string(rbac.RoleOwner)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "role_escalation", decode[httputil.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/v1/authz/check-assignment", admin, checkAssignmentRequest{Role: "wizard"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/authz/check-assignment", bearer(rbac.RoleViewer), checkAssignmentRequest{Role: string(rbac.RoleViewer)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_permissions", decode[httputil.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/v1/authz/check-assignment", "", checkAssignmentRequest{Role: string(rbac.RoleViewer)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	denied := s.env.Audit.OfType(audit.EventAccessDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, string(rbac.MembersUpdateRole), denied[0].Detail["permission"])
	failures := s.env.Audit.OfType(audit.EventAuthnFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "missing", failures[0].Reason)
	assert.Equal(t, "/v1/authz/check-assignment", failures[0].Detail["path"])
}

type stalledDirectory struct {
	orgs.Directory
}

func (stalledDirectory) GetMembership(ctx context.Context, userID, orgID uuid.UUID) (*orgs.Membership, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCheckAssignmentBoundsDirectoryCalls(t *testing.T) {
	s := newTestServer(t, nil, func(d *Deps) {
		d.Directory = stalledDirectory{Directory: d.Directory}
		d.StoreTimeout = 50 * time.Millisecond
	})
	user, org, _ := s.env.Member(rbac.RoleAdmin)
	bearer := s.bearer(t, user.ID, org.ID)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- s.do(t, http.MethodPost, "/v1/authz/check-assignment", bearer, checkAssignmentRequest{Role: string(rbac.RoleViewer)})
	}()

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "internal_error", decode[httputil.ErrorResponse](t, rec).Error)
	case <-time.After(5 * time.Second):
		t.Fatal("check-assignment did not honor the store timeout")
	}
}

func TestTransferOwnership(t *testing.T) {
	s := newTestServer(t, nil)
	owner, org, _ := s.env.Member(rbac.RoleOwner)
	successor := s.env.Directory.AddUser(orgs.User{ExternalSubject: "idp|successor", Email: "s@example.com", EmailVerified: true})
	s.env.Directory.AddMembership(orgs.Membership{UserID: successor.ID, OrganizationID: org.ID, Role: rbac.RoleAdmin, Active: true})
	path := "/v1/orgs/" + org.ID.String() + "/transfer-ownership"

	ownerToken := s.bearer(t, owner.ID, org.ID)
	adminToken := s.bearer(t, successor.ID, org.ID)

	rec := s.do(t, http.MethodPost, path, adminToken, transferOwnershipRequest{NewOwnerID: successor.ID.String()})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_permissions", decode[httputil.ErrorResponse](t, rec).Error)

	_, other, _ := s.env.Member(rbac.RoleViewer)
	rec = s.do(t, http.MethodPost, "/v1/orgs/"+other.ID.String()+"/transfer-ownership", ownerToken, transferOwnershipRequest{NewOwnerID: successor.ID.String()})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "organization_mismatch", decode[httputil.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, path, ownerToken, transferOwnershipRequest{NewOwnerID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path, ownerToken, transferOwnershipRequest{NewOwnerID: uuid.NewString()})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "new_owner_not_member", decode[httputil.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, path, ownerToken, transferOwnershipRequest{NewOwnerID: successor.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, successor.ID.String(), decode[transferOwnershipResponse](t, rec).OwnerID)

	stored, err := s.env.Directory.GetOrganization(context.Background(), org.ID)
	require.NoError(t, err)
	assert.Equal(t, successor.ID, stored.OwnerID)
	promoted, err := s.env.Directory.GetMembership(context.Background(), successor.ID, org.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, promoted.Role)
	demoted, err := s.env.Directory.GetMembership(context.Background(), owner.ID, org.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAdmin, demoted.Role)

	// The old owner's token still carries organization:transfer until it
	// expires; the directory refuses it.
	rec = s.do(t, http.MethodPost, path, ownerToken, transferOwnershipRequest{NewOwnerID: owner.ID.String()})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_owner", decode[httputil.ErrorResponse](t, rec).Error)

	events := s.env.Audit.OfType(audit.EventOwnershipTransfer)
	require.Len(t, events, 3)
	assert.Equal(t, audit.StatusFailure, events[0].Status)
	assert.Equal(t, "new_owner_not_member", events[0].Reason)
	assert.Equal(t, audit.StatusSuccess, events[1].Status)
	assert.Equal(t, owner.ID.String(), events[1].ActorID)
	assert.Equal(t, successor.ID.String(), events[1].TargetUserID)
	assert.Equal(t, org.ID.String(), events[1].TargetOrganizationID)
	assert.Equal(t, audit.StatusDenied, events[2].Status)
	assert.Equal(t, "not_owner", events[2].Reason)

	assert.Len(t, s.env.Audit.OfType(audit.EventAccessDenied), 1, "admin lacked organization:transfer")
}

func TestOperationalEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	set := decode[keys.JWKS](t, rec)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, sessiontest.KeyID, set.Keys[0].Kid)
	assert.Equal(t, "RS256", set.Keys[0].Alg)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "", nil).Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenantauth_http_requests_total")

	rec = s.do(t, http.MethodGet, "/v1/auth/exchange", "", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.redis.Close()
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/readyz", "", nil).Code)
}

func TestRateLimitedExchange(t *testing.T) {
	limiter := middleware.NewLocalRateLimiter(middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Hour})
	s := newTestServer(t, limiter)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/v1/auth/exchange", "", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/v1/auth/exchange", "", map[string]string{})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: "rt_x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "logout is not rate limited")
}
