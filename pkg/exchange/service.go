// Package exchange trades a short-lived, externally issued token for a
// platform access token and refresh token.
//
// Each exchange token is accepted once: its jti is consumed in the replay
// store before anything else happens. First contact provisions the user.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/refresh"
	"github.com/platinummonkey/tenantauth/pkg/replay"
	"github.com/platinummonkey/tenantauth/pkg/session"
)

// Request is one exchange attempt
type Request struct {
	ExchangeToken string
	// OrganizationID selects the organization explicitly
	OrganizationID *uuid.UUID
	Device         refresh.Device
}

// Result is a successful exchange
type Result struct {
	AccessToken    string
	RefreshToken   string
	ExpiresIn      int64
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Permissions    []string
	// NewUser is true when this exchange provisioned the user
	NewUser bool
}

// Config configures a Service
type Config struct {
	// RequireVerifiedEmail rejects every unverified email, regardless of
	// organization settings
	RequireVerifiedEmail bool
	// ProvisionPersonalOrganization creates an owned organization for
	// first-time users
	ProvisionPersonalOrganization bool
	StoreTimeout                  time.Duration
	Now                           func() time.Time
}

// Service performs token exchanges
type Service struct {
	verifier   Verifier
	replay     replay.Store
	dir        orgs.Directory
	authorizer *session.Authorizer
	refresh    *refresh.Service
	recorder   *audit.Recorder
	logger     *observability.Logger
	metrics    *observability.Metrics
	cfg        Config
}

// NewService wires an exchange service
func NewService(
	verifier Verifier,
	replayStore replay.Store,
	authorizer *session.Authorizer,
	refreshService *refresh.Service,
	recorder *audit.Recorder,
	logger *observability.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		verifier:   verifier,
		replay:     replayStore,
		dir:        authorizer.Directory(),
		authorizer: authorizer,
		refresh:    refreshService,
		recorder:   recorder,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// attempt carries what is known about an exchange so far, for auditing
type attempt struct {
	identity *Identity
	userID   uuid.UUID
	orgID    uuid.UUID
}

// Exchange runs the full exchange. Every failure is an *Error and is
// audited with its reason before returning.
func (s *Service) Exchange(ctx context.Context, req Request) (result *Result, err error) {
	ctx, span := observability.Tracer().Start(ctx, "exchange.Exchange")
	defer span.End()

	var at attempt
	defer func() {
		if err != nil {
			reason := ReasonOf(err)
			span.SetStatus(codes.Error, string(reason))
			s.metrics.ObserveExchange(string(reason))
			s.recordFailure(ctx, at, err)
			return
		}
		s.metrics.ObserveExchange("success")
	}()

	if req.ExchangeToken == "" {
		return nil, fail(ReasonMissingToken, nil)
	}

	identity, err := s.verifier.Verify(ctx, req.ExchangeToken)
	if err != nil {
		return nil, fail(ReasonInvalidToken, err)
	}
	at.identity = identity

	ttl := identity.ExpiresAt.Sub(s.cfg.Now())
	if ttl <= 0 {
		return nil, fail(ReasonInvalidToken, errors.New("exchange token expired"))
	}
	if err := s.consume(ctx, identity.TokenID, ttl); err != nil {
		return nil, err
	}

	provisioned, err := s.provision(ctx, identity)
	if err != nil {
		return nil, err
	}
	user := provisioned.User
	at.userID = user.ID
	span.SetAttributes(attribute.String("user.id", user.ID.String()))

	if s.cfg.RequireVerifiedEmail && !user.EmailVerified {
		return nil, fail(ReasonEmailNotVerified, nil)
	}

	orgID, err := s.chooseOrganization(ctx, user, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	at.orgID = orgID
	span.SetAttributes(attribute.String("organization.id", orgID.String()))

	grant, err := s.authorizer.Authorize(ctx, user.ID, orgID)
	switch {
	case errors.Is(err, session.ErrEmailNotVerified):
		return nil, fail(ReasonEmailNotVerified, err)
	case errors.Is(err, session.ErrNotMember):
		return nil, fail(ReasonOrganizationRequired, err)
	case errors.Is(err, session.ErrUserUnavailable):
		return nil, fail(ReasonInvalidToken, err)
	case err != nil:
		return nil, fail(ReasonInternal, err)
	}

	access, err := s.authorizer.Mint(grant)
	if err != nil {
		return nil, fail(ReasonInternal, err)
	}
	rawRefresh, _, err := s.refresh.Issue(ctx, user.ID, orgID, req.Device)
	if err != nil {
		return nil, fail(ReasonInternal, err)
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventExchangeSuccess,
		Status:               audit.StatusSuccess,
		ActorID:              user.ID.String(),
		TargetUserID:         user.ID.String(),
		TargetOrganizationID: orgID.String(),
		ResourceType:         audit.ResourceUser,
		ResourceID:           user.ID.String(),
		Detail: map[string]interface{}{
			"subject":  identity.Subject,
			"jti":      identity.TokenID,
			"new_user": provisioned.Created,
			"role":     string(grant.Role.Name),
		},
	})

	return &Result{
		AccessToken:    access.Raw,
		RefreshToken:   rawRefresh,
		ExpiresIn:      access.ExpiresIn,
		UserID:         user.ID,
		OrganizationID: orgID,
		Permissions:    grant.Permissions.Sorted(),
		NewUser:        provisioned.Created,
	}, nil
}

func (s *Service) consume(ctx context.Context, jti string, ttl time.Duration) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	first, err := s.replay.TryConsume(storeCtx, jti, ttl)
	if err != nil {
		s.logger.WithError(err).WithField("jti", jti).Error("Replay store unavailable, rejecting exchange")
		return fail(ReasonInternal, err)
	}
	if !first {
		return fail(ReasonTokenAlreadyUsed, nil)
	}
	return nil
}

func (s *Service) provision(ctx context.Context, identity *Identity) (*orgs.ProvisionResult, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	result, err := s.dir.ProvisionUser(storeCtx, orgs.ProvisionRequest{
		Subject:              identity.Subject,
		Email:                identity.Email,
		EmailVerified:        identity.EmailVerified,
		PersonalOrganization: s.cfg.ProvisionPersonalOrganization,
	})
	if errors.Is(err, orgs.ErrUserDeleted) || errors.Is(err, orgs.ErrInvalidSubject) {
		return nil, fail(ReasonInvalidToken, err)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to provision user")
		return nil, fail(ReasonInternal, err)
	}

	if result.Created {
		detail := map[string]interface{}{"subject": identity.Subject}
		if result.Organization != nil {
			detail["personal_organization_id"] = result.Organization.ID.String()
		}
		s.recorder.Record(ctx, audit.Entry{
			Type:         audit.EventUserProvisioned,
			Status:       audit.StatusSuccess,
			ActorID:      result.User.ID.String(),
			TargetUserID: result.User.ID.String(),
			ResourceType: audit.ResourceUser,
			ResourceID:   result.User.ID.String(),
			Detail:       detail,
		})
	}
	return result, nil
}

// chooseOrganization picks the explicit organization, else the preferred
// one when it is still an effective membership, else the only effective
// membership. Anything ambiguous is organization_required; the first
// membership is never picked.
func (s *Service) chooseOrganization(ctx context.Context, user *orgs.User, explicit *uuid.UUID) (uuid.UUID, error) {
	if explicit != nil && *explicit != uuid.Nil {
		return *explicit, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	memberships, err := s.dir.ListMemberships(storeCtx, user.ID)
	if err != nil {
		return uuid.Nil, fail(ReasonInternal, err)
	}

	var effective []orgs.Membership
	for _, m := range memberships {
		if !m.Effective() {
			continue
		}
		if user.PreferredOrganizationID != nil && m.OrganizationID == *user.PreferredOrganizationID {
			return m.OrganizationID, nil
		}
		effective = append(effective, m)
	}

	if len(effective) == 1 {
		return effective[0].OrganizationID, nil
	}
	return uuid.Nil, fail(ReasonOrganizationRequired, nil)
}

func (s *Service) recordFailure(ctx context.Context, at attempt, err error) {
	entry := audit.Entry{
		Type:         audit.EventExchangeFailure,
		Status:       audit.StatusFailure,
		Reason:       string(ReasonOf(err)),
		ResourceType: audit.ResourceUser,
		Detail:       map[string]interface{}{"error": err.Error()},
	}
	if at.identity != nil {
		entry.Detail["subject"] = at.identity.Subject
		entry.Detail["jti"] = at.identity.TokenID
	}
	if at.userID != uuid.Nil {
		entry.ActorID = at.userID.String()
		entry.TargetUserID = at.userID.String()
		entry.ResourceID = at.userID.String()
	}
	if at.orgID != uuid.Nil {
		entry.TargetOrganizationID = at.orgID.String()
	}
	if reason := ReasonOf(err); reason == ReasonEmailNotVerified || reason == ReasonOrganizationRequired {
		entry.Status = audit.StatusDenied
	}
	s.recorder.Record(ctx, entry)
}
