// Package orgswitch re-scopes a session to another organization the user
// belongs to. The presented refresh token is revoked and a new token family
// scoped to the target organization replaces it.
package orgswitch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/refresh"
	"github.com/platinummonkey/tenantauth/pkg/session"
)

var (
	ErrInvalidRefreshToken = errors.New("orgswitch: invalid refresh token")
	ErrRefreshTokenReused  = errors.New("orgswitch: refresh token reused")
	ErrRefreshTokenExpired = errors.New("orgswitch: refresh token expired")
)

// Result is the re-scoped session
type Result struct {
	AccessToken    string
	RefreshToken   string
	ExpiresIn      int64
	OrganizationID uuid.UUID
	Permissions    []string
}

// Service switches organizations
type Service struct {
	authorizer *session.Authorizer
	refresh    *refresh.Service
	recorder   *audit.Recorder
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewService wires a switch service. now defaults to time.Now.
func NewService(
	authorizer *session.Authorizer,
	refreshService *refresh.Service,
	recorder *audit.Recorder,
	logger *observability.Logger,
	metrics *observability.Metrics,
	now func() time.Time,
) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		authorizer: authorizer,
		refresh:    refreshService,
		recorder:   recorder,
		logger:     logger,
		metrics:    metrics,
		now:        now,
	}
}

// Switch moves userID's session to targetOrgID. rawRefresh must be an
// active refresh token owned by userID. Membership errors from the
// authorizer are returned wrapped so callers can match session.ErrNotMember
// and session.ErrEmailNotVerified.
func (s *Service) Switch(ctx context.Context, userID, targetOrgID uuid.UUID, rawRefresh string, device refresh.Device) (result *Result, err error) {
	ctx, span := observability.Tracer().Start(ctx, "orgswitch.Switch")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("organization.target_id", targetOrgID.String()),
	)

	var fromOrg uuid.UUID
	defer func() {
		if err == nil {
			s.metrics.ObserveSwitch("success")
			return
		}
		outcome := switchOutcome(err)
		span.SetStatus(codes.Error, outcome)
		s.metrics.ObserveSwitch(outcome)
		entry := audit.Entry{
			Type:                 audit.EventOrgSwitchFailure,
			Status:               audit.StatusFailure,
			Reason:               outcome,
			ActorID:              userID.String(),
			TargetUserID:         userID.String(),
			TargetOrganizationID: targetOrgID.String(),
			ResourceType:         audit.ResourceOrganization,
			ResourceID:           targetOrgID.String(),
		}
		if outcome == "not_member" || outcome == "email_not_verified" {
			entry.Status = audit.StatusDenied
		}
		if fromOrg != uuid.Nil {
			entry.Detail = map[string]interface{}{"from_organization_id": fromOrg.String()}
		}
		s.recorder.Record(ctx, entry)
	}()

	current, err := s.refresh.Lookup(ctx, rawRefresh)
	if errors.Is(err, refresh.ErrInvalidToken) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if current.UserID != userID {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, refresh.ErrWrongUser)
	}
	fromOrg = current.OrganizationID

	if current.State != refresh.StateActive {
		if err := s.refresh.RevokeFamily(ctx, current.ID); err != nil {
			s.logger.WithError(err).WithField("family_id", current.FamilyID.String()).Error("Failed to revoke refresh token family")
		}
		return nil, ErrRefreshTokenReused
	}
	if !s.now().Before(current.ExpiresAt) {
		return nil, ErrRefreshTokenExpired
	}

	grant, err := s.authorizer.Authorize(ctx, userID, targetOrgID)
	if err != nil {
		return nil, err
	}

	access, err := s.authorizer.Mint(grant)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	// Replace consumes current atomically; a concurrent switch or refresh
	// of the same token loses here.
	rawNext, _, err := s.refresh.Replace(ctx, current, targetOrgID, device)
	if errors.Is(err, refresh.ErrTokenReused) {
		return nil, ErrRefreshTokenReused
	}
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventOrgSwitch,
		Status:               audit.StatusSuccess,
		ActorID:              userID.String(),
		TargetUserID:         userID.String(),
		TargetOrganizationID: targetOrgID.String(),
		ResourceType:         audit.ResourceOrganization,
		ResourceID:           targetOrgID.String(),
		Detail: map[string]interface{}{
			"from_organization_id": fromOrg.String(),
			"role":                 string(grant.Role.Name),
		},
	})

	return &Result{
		AccessToken:    access.Raw,
		RefreshToken:   rawNext,
		ExpiresIn:      access.ExpiresIn,
		OrganizationID: targetOrgID,
		Permissions:    grant.Permissions.Sorted(),
	}, nil
}

func switchOutcome(err error) string {
	switch {
	case errors.Is(err, ErrRefreshTokenReused):
		return "refresh_token_reused"
	case errors.Is(err, ErrRefreshTokenExpired):
		return "refresh_token_expired"
	case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, session.ErrUserUnavailable):
		return "invalid_refresh_token"
	case errors.Is(err, session.ErrEmailNotVerified):
		return "email_not_verified"
	case errors.Is(err, session.ErrNotMember):
		return "not_member"
	default:
		return "internal_error"
	}
}
