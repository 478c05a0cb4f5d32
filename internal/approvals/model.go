package approvals

import (
	"time"

	"opsgate/internal/apperr"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request gates a risky runbook behind a human decision. It leaves pending
// at most once.
type Request struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"company_id"`
	IncidentID    string     `json:"incident_id"`
	RunbookID     string     `json:"runbook_id"`
	RiskLevel     RiskLevel  `json:"risk_level"`
	RequestedBy   string     `json:"requested_by"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecisionNotes string     `json:"decision_notes,omitempty"`
}

// Due reports whether a pending request has passed its expiry at now.
func (r *Request) Due(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

func (r *Request) decide(status Status, by, notes string, now time.Time) {
	r.Status = status
	r.DecidedBy = by
	r.DecisionNotes = notes
	t := now
	r.DecidedAt = &t
}

type ListFilter struct {
	TenantID   string
	IncidentID string
	Status     Status
	Limit      int
}

func (f ListFilter) Match(r *Request) bool {
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if f.IncidentID != "" && r.IncidentID != f.IncidentID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

var (
	ErrNotFound       = apperr.NotFound("approval_not_found", "approval request not found")
	ErrAlreadyDecided = apperr.Conflict("approval_already_decided", "approval request already decided")
	ErrExpired        = apperr.Conflict("approval_expired", "approval request expired")
	ErrNotesRequired  = apperr.Validation("notes_required", "a reason is required to reject")
	ErrNotAuthorized  = apperr.New(apperr.KindForbidden, "approval_not_authorized", "role may not decide this risk level")
)
