package audit

import (
	"time"
)

// EventType is the category of a security event
type EventType string

const (
	EventExchangeSuccess   EventType = "exchange.success"
	EventExchangeFailure   EventType = "exchange.failure"
	EventUserProvisioned   EventType = "user.provisioned"
	EventTokenRefresh      EventType = "token.refresh"
	EventTokenRefreshFail  EventType = "token.refresh_failure"
	EventTokenRefreshReuse EventType = "token.refresh_reuse"
	EventTokenFamilyRevoke EventType = "token.family_revoked"
	EventTokenRevoke       EventType = "token.revoked"
	EventLogout            EventType = "session.logout"
	EventOrgSwitch         EventType = "org.switch"
	EventOrgSwitchFailure  EventType = "org.switch_failure"
	EventOwnershipTransfer EventType = "org.ownership_transfer"
	EventRoleAssignDenied  EventType = "role.assign_denied"
	EventAccessDenied      EventType = "authz.access_denied"
	EventAuthnFailure      EventType = "authn.failure"
	EventKeyRotated        EventType = "key.rotated"
)

// Status is the outcome of an event
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// ResourceType identifies what an event is about
type ResourceType string

const (
	ResourceUser         ResourceType = "user"
	ResourceOrganization ResourceType = "organization"
	ResourceMembership   ResourceType = "membership"
	ResourceRefreshToken ResourceType = "refresh_token"
	ResourceRole         ResourceType = "role"
	ResourceSigningKey   ResourceType = "signing_key"
)

// Entry is what callers hand to Recorder.Record
type Entry struct {
	Type                 EventType
	Status               Status
	Reason               string
	ActorID              string
	TargetUserID         string
	TargetOrganizationID string
	ResourceType         ResourceType
	ResourceID           string
	CorrelationID        string
	Detail               map[string]interface{}
}

// Event is one immutable row of the security audit trail
type Event struct {
	ID                   int64                  `json:"id"`
	Timestamp            time.Time              `json:"timestamp"`
	EventType            EventType              `json:"event_type"`
	Status               Status                 `json:"status"`
	Reason               string                 `json:"reason,omitempty"`
	ActorID              string                 `json:"actor_id,omitempty"`
	TargetUserID         string                 `json:"target_user_id,omitempty"`
	TargetOrganizationID string                 `json:"target_organization_id,omitempty"`
	ResourceType         ResourceType           `json:"resource_type,omitempty"`
	ResourceID           string                 `json:"resource_id,omitempty"`
	IPAddress            string                 `json:"ip_address,omitempty"`
	UserAgent            string                 `json:"user_agent,omitempty"`
	CorrelationID        string                 `json:"correlation_id,omitempty"`
	Detail               map[string]interface{} `json:"detail,omitempty"`
}
