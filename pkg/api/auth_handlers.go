package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantauth/pkg/contextkeys"
	"github.com/platinummonkey/tenantauth/pkg/exchange"
	"github.com/platinummonkey/tenantauth/pkg/httputil"
	"github.com/platinummonkey/tenantauth/pkg/middleware"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/orgswitch"
	"github.com/platinummonkey/tenantauth/pkg/refresh"
)

// AuthHandlers serves the session lifecycle endpoints
type AuthHandlers struct {
	exchange *exchange.Service
	refresh  *refresh.Service
	switcher *orgswitch.Service
	deps     Deps
}

// NewAuthHandlers creates a new auth handlers instance
func NewAuthHandlers(deps Deps) *AuthHandlers {
	return &AuthHandlers{
		exchange: deps.Exchange,
		refresh:  deps.Refresh,
		switcher: deps.Switch,
		deps:     deps,
	}
}

// RegisterRoutes registers authentication routes. Exchange and refresh are
// rate limited per client address when a limiter is configured.
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	auth := router.PathPrefix("/v1/auth").Subrouter()

	limited := auth.NewRoute().Subrouter()
	if h.deps.RateLimiter != nil {
		limited.Use(middleware.RateLimit(h.deps.RateLimiter, h.deps.Logger))
	}
	limited.HandleFunc("/exchange", h.exchangeToken).Methods(http.MethodPost)
	limited.HandleFunc("/refresh", h.refreshToken).Methods(http.MethodPost)

	auth.HandleFunc("/logout", h.logout).Methods(http.MethodPost)

	authenticated := auth.NewRoute().Subrouter()
	authenticated.Use(middleware.Authenticate(h.deps.Tokens, h.deps.Recorder))
	authenticated.HandleFunc("/switch-organization", h.switchOrganization).Methods(http.MethodPost)
}

type exchangeRequest struct {
	ExchangeToken  string `json:"exchangeToken"`
	OrganizationID string `json:"organizationId,omitempty"`
}

type sessionResponse struct {
	AccessToken    string   `json:"accessToken"`
	RefreshToken   string   `json:"refreshToken"`
	ExpiresIn      int64    `json:"expiresIn"`
	UserID         string   `json:"userId,omitempty"`
	OrganizationID string   `json:"organizationId"`
	Permissions    []string `json:"permissions"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type switchRequest struct {
	OrganizationID string `json:"organizationId"`
	RefreshToken   string `json:"refreshToken"`
}

// exchangeToken handles POST /v1/auth/exchange
func (h *AuthHandlers) exchangeToken(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	in := exchange.Request{ExchangeToken: req.ExchangeToken, Device: device(r)}
	if req.OrganizationID != "" {
		orgID, err := uuid.Parse(req.OrganizationID)
		if err != nil {
			httputil.WriteBadRequest(w, "organizationId must be a UUID")
			return
		}
		in.OrganizationID = &orgID
	}

	result, err := h.exchange.Exchange(r.Context(), in)
	if err != nil {
		reason := exchange.ReasonOf(err)
		if reason == exchange.ReasonInternal {
			observability.FromContext(r.Context()).WithError(err).Error("Token exchange failed")
			httputil.WriteInternalError(w)
			return
		}
		httputil.WriteError(w, exchangeStatus(reason), string(reason), exchangeMessage(reason))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, sessionResponse{
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		ExpiresIn:      result.ExpiresIn,
		UserID:         result.UserID.String(),
		OrganizationID: result.OrganizationID.String(),
		Permissions:    result.Permissions,
	})
}

// refreshToken handles POST /v1/auth/refresh
func (h *AuthHandlers) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.refresh.Redeem(r.Context(), req.RefreshToken, device(r))
	switch {
	case errors.Is(err, refresh.ErrTokenReused):
		httputil.WriteUnauthorized(w, "refresh_token_reused", "refresh token was already used; the session has been revoked")
		return
	case errors.Is(err, refresh.ErrTokenExpired):
		httputil.WriteUnauthorized(w, "refresh_token_expired", "refresh token has expired")
		return
	case errors.Is(err, refresh.ErrInvalidToken):
		httputil.WriteUnauthorized(w, "invalid_refresh_token", "refresh token is not valid")
		return
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).Error("Refresh failed")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, sessionResponse{
		AccessToken:    result.AccessToken.Raw,
		RefreshToken:   result.RefreshToken,
		ExpiresIn:      result.AccessToken.ExpiresIn,
		UserID:         result.Token.UserID.String(),
		OrganizationID: result.Token.OrganizationID.String(),
		Permissions:    result.Grant.Permissions.Sorted(),
	})
}

// switchOrganization handles POST /v1/auth/switch-organization
func (h *AuthHandlers) switchOrganization(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	userID, err := claims.UserID()
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid_token", "access token subject is not a user id")
		return
	}

	var req switchRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		httputil.WriteBadRequest(w, "organizationId must be a UUID")
		return
	}

	result, err := h.switcher.Switch(r.Context(), userID, orgID, req.RefreshToken, device(r))
	if err != nil {
		status, reason, message := switchError(err)
		if status == http.StatusServiceUnavailable {
			observability.FromContext(r.Context()).WithError(err).Error("Organization switch failed")
			httputil.WriteInternalError(w)
			return
		}
		if status == http.StatusUnauthorized {
			httputil.WriteUnauthorized(w, reason, message)
			return
		}
		httputil.WriteError(w, status, reason, message)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, sessionResponse{
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		ExpiresIn:      result.ExpiresIn,
		OrganizationID: result.OrganizationID.String(),
		Permissions:    result.Permissions,
	})
}

// logout handles POST /v1/auth/logout
func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	err := h.refresh.Logout(r.Context(), req.RefreshToken)
	if errors.Is(err, refresh.ErrInvalidToken) {
		httputil.WriteUnauthorized(w, "invalid_refresh_token", "refresh token is not valid")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Logout failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}

func device(r *http.Request) refresh.Device {
	return refresh.Device{
		Name:      r.Header.Get("X-Device-Name"),
		UserAgent: contextkeys.GetUserAgent(r.Context()),
		IPAddress: contextkeys.GetClientIP(r.Context()),
	}
}
