package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/httputil"
	"github.com/platinummonkey/tenantauth/pkg/middleware"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
)

// OrgHandlers serves organization administration endpoints
type OrgHandlers struct {
	dir  orgs.Directory
	deps Deps
}

// NewOrgHandlers creates the organization handlers
func NewOrgHandlers(deps Deps) *OrgHandlers {
	return &OrgHandlers{dir: deps.Directory, deps: deps}
}

// RegisterRoutes registers organization routes
func (h *OrgHandlers) RegisterRoutes(router *mux.Router) {
	o := router.PathPrefix("/v1/orgs").Subrouter()
	o.Use(middleware.Authenticate(h.deps.Tokens, h.deps.Recorder))
	o.Handle("/{id}/transfer-ownership",
		middleware.RequirePermission(rbac.OrganizationTransfer, h.deps.Recorder)(http.HandlerFunc(h.transferOwnership)),
	).Methods(http.MethodPost)
}

type transferOwnershipRequest struct {
	NewOwnerID string `json:"newOwnerId"`
}

type transferOwnershipResponse struct {
	OrganizationID string `json:"organizationId"`
	OwnerID        string `json:"ownerId"`
}

// transferOwnership handles POST /v1/orgs/{id}/transfer-ownership. The
// caller must hold a token for the organization being transferred. The
// directory re-checks ownership under a row lock, so a stale token cannot
// transfer an organization its subject no longer owns.
func (h *OrgHandlers) transferOwnership(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	callerID, err := claims.UserID()
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid_token", "access token subject is not a user id")
		return
	}
	tokenOrg, err := claims.OrgID()
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid_token", "access token has no organization")
		return
	}

	orgID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteBadRequest(w, "organization id is not a valid uuid")
		return
	}
	if orgID != tokenOrg {
		httputil.WriteForbidden(w, "organization_mismatch", "access token was issued for a different organization")
		return
	}

	var req transferOwnershipRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	newOwnerID, err := uuid.Parse(req.NewOwnerID)
	if err != nil {
		httputil.WriteBadRequest(w, "newOwnerId is not a valid uuid")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.StoreTimeout)
	defer cancel()
	err = h.dir.TransferOwnership(ctx, orgID, callerID, newOwnerID)

	entry := audit.Entry{
		Type:                 audit.EventOwnershipTransfer,
		ActorID:              callerID.String(),
		TargetUserID:         newOwnerID.String(),
		TargetOrganizationID: orgID.String(),
		ResourceType:         audit.ResourceOrganization,
		ResourceID:           orgID.String(),
		Detail:               map[string]interface{}{"previous_owner_id": callerID.String()},
	}
	if err == nil {
		entry.Status = audit.StatusSuccess
		h.deps.Recorder.Record(r.Context(), entry)
		httputil.WriteJSON(w, http.StatusOK, transferOwnershipResponse{
			OrganizationID: orgID.String(),
			OwnerID:        newOwnerID.String(),
		})
		return
	}

	entry.Status = audit.StatusFailure
	switch {
	case errors.Is(err, orgs.ErrNotOwner):
		entry.Status = audit.StatusDenied
		entry.Reason = "not_owner"
		h.deps.Recorder.Record(r.Context(), entry)
		httputil.WriteForbidden(w, "not_owner", "only the organization owner can transfer ownership")
	case errors.Is(err, orgs.ErrMembershipNotFound):
		entry.Reason = "new_owner_not_member"
		h.deps.Recorder.Record(r.Context(), entry)
		httputil.WriteError(w, http.StatusConflict, "new_owner_not_member", "new owner must be an active member of the organization")
	case errors.Is(err, orgs.ErrOrganizationNotFound):
		entry.Reason = "organization_not_found"
		h.deps.Recorder.Record(r.Context(), entry)
		httputil.WriteError(w, http.StatusNotFound, "organization_not_found", "organization does not exist")
	default:
		entry.Reason = "internal_error"
		h.deps.Recorder.Record(r.Context(), entry)
		observability.FromContext(r.Context()).WithError(err).Error("Failed to transfer organization ownership")
		httputil.WriteInternalError(w)
	}
}
