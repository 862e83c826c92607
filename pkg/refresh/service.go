// Package refresh issues and rotates long-lived refresh tokens.
//
// Every redemption rotates the token: the presented token is marked
// redeemed and a successor in the same family is issued. Presenting a
// token that is no longer active is treated as theft and revokes the whole
// family.
package refresh

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
	"github.com/platinummonkey/tenantauth/pkg/session"
	"github.com/platinummonkey/tenantauth/pkg/tokens"
)

// DefaultTTL is the refresh token lifetime when none is configured
const DefaultTTL = 30 * 24 * time.Hour

// Config configures a Service
type Config struct {
	TTL          time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
}

// Result is the outcome of a successful redemption
type Result struct {
	AccessToken  *tokens.AccessToken
	RefreshToken string
	Token        *Token
	Grant        *session.Grant
}

// Service issues, redeems and revokes refresh tokens
type Service struct {
	store      Store
	authorizer *session.Authorizer
	recorder   *audit.Recorder
	logger     *observability.Logger
	metrics    *observability.Metrics
	ttl        time.Duration
	timeout    time.Duration
	now        func() time.Time
}

// NewService creates a refresh token service
func NewService(store Store, authorizer *session.Authorizer, recorder *audit.Recorder, logger *observability.Logger, metrics *observability.Metrics, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
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
		store:      store,
		authorizer: authorizer,
		recorder:   recorder,
		logger:     logger,
		metrics:    metrics,
		ttl:        cfg.TTL,
		timeout:    cfg.StoreTimeout,
		now:        cfg.Now,
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) newToken(userID, orgID, familyID uuid.UUID, parent *uuid.UUID, device Device) (string, *Token, error) {
	raw, err := NewRaw()
	if err != nil {
		return "", nil, err
	}
	now := s.now().UTC()
	return raw, &Token{
		ID:             uuid.New(),
		FamilyID:       familyID,
		ParentID:       parent,
		UserID:         userID,
		OrganizationID: orgID,
		TokenHash:      Hash(raw),
		State:          StateActive,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.ttl),
		Device:         device,
	}, nil
}

// Issue starts a new token family for userID in orgID
func (s *Service) Issue(ctx context.Context, userID, orgID uuid.UUID, device Device) (string, *Token, error) {
	raw, token, err := s.newToken(userID, orgID, uuid.New(), nil, device)
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.Create(ctx, token); err != nil {
		return "", nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return raw, token, nil
}

// Lookup returns the stored token for raw without changing it
func (s *Service) Lookup(ctx context.Context, raw string) (*Token, error) {
	if !wellFormed(raw) {
		return nil, ErrInvalidToken
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	token, err := s.store.GetByHash(ctx, Hash(raw))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return token, nil
}

// Redeem rotates raw and mints a fresh access token from a recomputed grant
func (s *Service) Redeem(ctx context.Context, raw string, device Device) (result *Result, err error) {
	ctx, span := observability.Tracer().Start(ctx, "refresh.Redeem")
	defer span.End()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = refreshOutcome(err)
			span.SetStatus(codes.Error, outcome)
		}
		s.metrics.ObserveRefresh(outcome)
	}()

	token, err := s.Lookup(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			s.recordFailure(ctx, nil, "invalid_refresh_token")
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("refresh.family_id", token.FamilyID.String()))

	if token.State != StateActive {
		s.reuseDetected(ctx, token)
		return nil, ErrTokenReused
	}

	now := s.now()
	if !now.Before(token.ExpiresAt) {
		s.recordFailure(ctx, token, "refresh_token_expired")
		return nil, ErrTokenExpired
	}

	grant, err := s.authorizer.Authorize(ctx, token.UserID, token.OrganizationID)
	if err != nil {
		if session.Revoked(err) {
			s.revokeFamily(ctx, token, "access_revoked")
			s.recordFailure(ctx, token, "access_revoked")
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return nil, fmt.Errorf("failed to authorize refresh: %w", err)
	}

	// Mint first so a signing failure leaves the presented token usable.
	access, err := s.authorizer.Mint(grant)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	nextRaw, next, err := s.newToken(token.UserID, token.OrganizationID, token.FamilyID, &token.ID, device)
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := s.storeCtx(ctx)
	err = s.store.Rotate(storeCtx, token.ID, now.UTC(), next)
	cancel()
	if errors.Is(err, ErrAlreadyRedeemed) {
		s.reuseDetected(ctx, token)
		return nil, ErrTokenReused
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventTokenRefresh,
		Status:               audit.StatusSuccess,
		ActorID:              token.UserID.String(),
		TargetUserID:         token.UserID.String(),
		TargetOrganizationID: token.OrganizationID.String(),
		ResourceType:         audit.ResourceRefreshToken,
		ResourceID:           next.ID.String(),
		Detail: map[string]interface{}{
			"family_id": token.FamilyID.String(),
			"parent_id": token.ID.String(),
		},
	})

	return &Result{
		AccessToken:  access,
		RefreshToken: nextRaw,
		Token:        next,
		Grant:        grant,
	}, nil
}

// Replace consumes current and starts a new family for the same user in
// orgID. Only one caller can consume a given token: a loser, or a token
// that is no longer active, is treated as reuse and gets ErrTokenReused
// after the family of current is revoked.
func (s *Service) Replace(ctx context.Context, current *Token, orgID uuid.UUID, device Device) (string, *Token, error) {
	raw, next, err := s.newToken(current.UserID, orgID, uuid.New(), nil, device)
	if err != nil {
		return "", nil, err
	}

	storeCtx, cancel := s.storeCtx(ctx)
	err = s.store.Replace(storeCtx, current.ID, s.now().UTC(), next)
	cancel()
	if errors.Is(err, ErrAlreadyRedeemed) {
		s.reuseDetected(ctx, current)
		return "", nil, ErrTokenReused
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to replace refresh token: %w", err)
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventTokenRevoke,
		Status:               audit.StatusSuccess,
		Reason:               "replaced",
		ActorID:              current.UserID.String(),
		TargetUserID:         current.UserID.String(),
		TargetOrganizationID: current.OrganizationID.String(),
		ResourceType:         audit.ResourceRefreshToken,
		ResourceID:           current.ID.String(),
		Detail: map[string]interface{}{
			"replaced_by": next.ID.String(),
			"family_id":   next.FamilyID.String(),
		},
	})
	return raw, next, nil
}

func (s *Service) reuseDetected(ctx context.Context, token *Token) {
	s.logger.WithFields(map[string]interface{}{
		"family_id": token.FamilyID.String(),
		"token_id":  token.ID.String(),
		"user_id":   token.UserID.String(),
		"state":     string(token.State),
	}).Warn("Refresh token reuse detected, revoking family")

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventTokenRefreshReuse,
		Status:               audit.StatusDenied,
		Reason:               "refresh_token_reused",
		ActorID:              token.UserID.String(),
		TargetUserID:         token.UserID.String(),
		TargetOrganizationID: token.OrganizationID.String(),
		ResourceType:         audit.ResourceRefreshToken,
		ResourceID:           token.ID.String(),
		Detail:               map[string]interface{}{"family_id": token.FamilyID.String()},
	})
	s.revokeFamily(ctx, token, "refresh_token_reused")
}

// revokeFamily never fails the caller; a revocation that could not be
// written is logged at error level.
func (s *Service) revokeFamily(ctx context.Context, token *Token, reason string) {
	storeCtx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()

	n, err := s.store.RevokeFamily(storeCtx, token.FamilyID, s.now().UTC())
	if err != nil {
		s.logger.WithError(err).WithField("family_id", token.FamilyID.String()).Error("Failed to revoke refresh token family")
		return
	}
	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventTokenFamilyRevoke,
		Status:               audit.StatusSuccess,
		Reason:               reason,
		TargetUserID:         token.UserID.String(),
		TargetOrganizationID: token.OrganizationID.String(),
		ResourceType:         audit.ResourceRefreshToken,
		ResourceID:           token.FamilyID.String(),
		Detail:               map[string]interface{}{"revoked": n},
	})
}

func (s *Service) recordFailure(ctx context.Context, token *Token, reason string) {
	entry := audit.Entry{
		Type:         audit.EventTokenRefreshFail,
		Status:       audit.StatusFailure,
		Reason:       reason,
		ResourceType: audit.ResourceRefreshToken,
	}
	if token != nil {
		entry.ActorID = token.UserID.String()
		entry.TargetUserID = token.UserID.String()
		entry.TargetOrganizationID = token.OrganizationID.String()
		entry.ResourceID = token.ID.String()
	}
	s.recorder.Record(ctx, entry)
}

// RevokeFamily revokes every token descending from the family of tokenID
func (s *Service) RevokeFamily(ctx context.Context, tokenID uuid.UUID) error {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	token, err := s.store.Get(storeCtx, tokenID)
	if err != nil {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}
	if _, err := s.store.RevokeFamily(storeCtx, token.FamilyID, s.now().UTC()); err != nil {
		return err
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventTokenFamilyRevoke,
		Status:               audit.StatusSuccess,
		Reason:               "explicit",
		TargetUserID:         token.UserID.String(),
		TargetOrganizationID: token.OrganizationID.String(),
		ResourceType:         audit.ResourceRefreshToken,
		ResourceID:           token.FamilyID.String(),
	})
	return nil
}

// Revoke revokes a single token
func (s *Service) Revoke(ctx context.Context, tokenID uuid.UUID) error {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	token, err := s.store.Get(storeCtx, tokenID)
	if err != nil {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}
	if err := s.store.Revoke(storeCtx, tokenID, s.now().UTC()); err != nil {
		return err
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventTokenRevoke,
		Status:               audit.StatusSuccess,
		TargetUserID:         token.UserID.String(),
		TargetOrganizationID: token.OrganizationID.String(),
		ResourceType:         audit.ResourceRefreshToken,
		ResourceID:           token.ID.String(),
	})
	return nil
}

// Logout revokes the family of raw. Unknown tokens are ErrInvalidToken.
func (s *Service) Logout(ctx context.Context, raw string) error {
	token, err := s.Lookup(ctx, raw)
	if err != nil {
		return err
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.store.RevokeFamily(storeCtx, token.FamilyID, s.now().UTC()); err != nil {
		return err
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:                 audit.EventLogout,
		Status:               audit.StatusSuccess,
		ActorID:              token.UserID.String(),
		TargetUserID:         token.UserID.String(),
		TargetOrganizationID: token.OrganizationID.String(),
		ResourceType:         audit.ResourceRefreshToken,
		ResourceID:           token.FamilyID.String(),
	})
	return nil
}

func refreshOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTokenReused):
		return "reused"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}
