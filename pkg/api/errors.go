package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tenantauth/pkg/exchange"
	"github.com/platinummonkey/tenantauth/pkg/orgswitch"
	"github.com/platinummonkey/tenantauth/pkg/session"
)

func exchangeStatus(reason exchange.Reason) int {
	switch reason {
	case exchange.ReasonMissingToken:
		return http.StatusBadRequest
	case exchange.ReasonInvalidToken:
		return http.StatusUnauthorized
	case exchange.ReasonTokenAlreadyUsed, exchange.ReasonOrganizationRequired:
		return http.StatusConflict
	case exchange.ReasonEmailNotVerified:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func exchangeMessage(reason exchange.Reason) string {
	switch reason {
	case exchange.ReasonMissingToken:
		return "exchangeToken is required"
	case exchange.ReasonInvalidToken:
		return "exchange token is not valid"
	case exchange.ReasonTokenAlreadyUsed:
		return "exchange token was already used"
	case exchange.ReasonEmailNotVerified:
		return "email address is not verified"
	case exchange.ReasonOrganizationRequired:
		return "select an organization you are a member of"
	default:
		return "the request could not be completed"
	}
}

func switchError(err error) (int, string, string) {
	switch {
	case errors.Is(err, orgswitch.ErrRefreshTokenReused):
		return http.StatusUnauthorized, "refresh_token_reused", "refresh token was already used; the session has been revoked"
	case errors.Is(err, orgswitch.ErrRefreshTokenExpired):
		return http.StatusUnauthorized, "refresh_token_expired", "refresh token has expired"
	case errors.Is(err, orgswitch.ErrInvalidRefreshToken), errors.Is(err, session.ErrUserUnavailable):
		return http.StatusUnauthorized, "invalid_refresh_token", "refresh token is not valid"
	case errors.Is(err, session.ErrEmailNotVerified):
		return http.StatusForbidden, "email_not_verified", "email address is not verified"
	case errors.Is(err, session.ErrNotMember):
		return http.StatusForbidden, "not_member", "not a member of the organization"
	default:
		return http.StatusServiceUnavailable, "internal_error", ""
	}
}
