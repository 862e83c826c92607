package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantauth/pkg/httputil"
	"github.com/platinummonkey/tenantauth/pkg/middleware"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
)

// AuthzHandlers answers authorization questions for the member management
// surfaces of the control plane
type AuthzHandlers struct {
	roles *rbac.Service
	dir   orgs.Directory
	deps  Deps
}

// NewAuthzHandlers creates the authorization handlers
func NewAuthzHandlers(deps Deps) *AuthzHandlers {
	return &AuthzHandlers{roles: deps.Roles, dir: deps.Directory, deps: deps}
}

// RegisterRoutes registers authorization routes
func (h *AuthzHandlers) RegisterRoutes(router *mux.Router) {
	authz := router.PathPrefix("/v1/authz").Subrouter()
	authz.Use(middleware.Authenticate(h.deps.Tokens, h.deps.Recorder))
	authz.Handle("/check-assignment",
		middleware.RequirePermission(rbac.MembersUpdateRole, h.deps.Recorder)(http.HandlerFunc(h.checkAssignment)),
	).Methods(http.MethodPost)
}

type checkAssignmentRequest struct {
	Role string `json:"role"`
}

type checkAssignmentResponse struct {
	Allowed bool   `json:"allowed"`
	Role    string `json:"role"`
}

// checkAssignment handles POST /v1/authz/check-assignment. The caller's
// role is read from the directory, not from the token, so a demotion takes
// effect before the access token expires.
func (h *AuthzHandlers) checkAssignment(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	userID, err := claims.UserID()
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid_token", "access token subject is not a user id")
		return
	}
	orgID, err := claims.OrgID()
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid_token", "access token has no organization")
		return
	}

	var req checkAssignmentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Role == "" {
		httputil.WriteBadRequest(w, "role is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.StoreTimeout)
	defer cancel()

	membership, err := h.dir.GetMembership(ctx, userID, orgID)
	if errors.Is(err, orgs.ErrMembershipNotFound) || (err == nil && !membership.Effective()) {
		httputil.WriteForbidden(w, "not_member", "not a member of the organization")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to load membership")
		httputil.WriteInternalError(w)
		return
	}

	target := rbac.RoleName(req.Role)
	err = h.roles.CanAssign(ctx, orgID, membership.Role, target)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, checkAssignmentResponse{Allowed: true, Role: req.Role})
	case errors.Is(err, rbac.ErrRoleEscalation):
		httputil.WriteForbidden(w, "role_escalation", "you cannot assign role "+req.Role)
	case errors.Is(err, rbac.ErrUnknownRole), errors.Is(err, rbac.ErrRoleNotFound):
		httputil.WriteBadRequest(w, "unknown role "+req.Role)
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Failed to check role assignment")
		httputil.WriteInternalError(w)
	}
}
