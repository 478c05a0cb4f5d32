package audit

import (
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionAlertReceived      Action = "alert_received"
	ActionIncidentCreated    Action = "incident_created"
	ActionIncidentUpdated    Action = "incident_updated"
	ActionIncidentAssigned   Action = "incident_assigned"
	ActionIncidentStatus     Action = "incident_status_changed"
	ActionRemediationStarted Action = "remediation_started"
	ActionRunbookExecuted    Action = "runbook_executed"
	ActionApprovalRequested  Action = "approval_requested"
	ActionApprovalGranted    Action = "approval_granted"
	ActionApprovalRejected   Action = "approval_rejected"
	ActionApprovalExpired    Action = "approval_expired"
	ActionCorrelationConfig  Action = "correlation_config_updated"
	ActionRateLimitConfig    Action = "rate_limit_updated"
	ActionAPIKeyRotated      Action = "api_key_rotated"
	ActionWebhookSecurity    Action = "webhook_security_updated"
	ActionTenantSeeded       Action = "tenant_seeded"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ActorSystem is recorded for transitions driven by the engine itself.
const ActorSystem = "system"

// Entry is one immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"company_id"`
	Action       Action         `json:"action"`
	Actor        string         `json:"actor"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Status       Status         `json:"status"`
	Details      map[string]any `json:"details"`
	Timestamp    time.Time      `json:"timestamp"`
}

// New returns a successful entry stamped with a fresh ID. Timestamp is filled
// by the store when left zero.
func New(tenantID string, action Action, actor, resourceType, resourceID string) *Entry {
	if actor == "" {
		actor = ActorSystem
	}
	return &Entry{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       StatusSuccess,
		Details:      map[string]any{},
	}
}

// With adds a detail and returns the entry for chaining.
func (e *Entry) With(key string, value any) *Entry {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Failed marks the entry as recording a failed operation.
func (e *Entry) Failed() *Entry {
	e.Status = StatusFailure
	return e
}

type Filter struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	Action       Action
	Since        time.Time
	Limit        int
}

// Match reports whether e passes the filter. Used by the in-memory store.
func (f Filter) Match(e Entry) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 200
	}
	return f.Limit
}
