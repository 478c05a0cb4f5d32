package incidents

import (
	"slices"
	"time"

	"opsgate/internal/alerts"
	"opsgate/internal/apperr"
)

type Status string

const (
	StatusOpen            Status = "open"
	StatusAssigned        Status = "assigned"
	StatusAutoRemediating Status = "auto_remediating"
	StatusPendingApproval Status = "pending_approval"
	StatusResolved        Status = "resolved"
	StatusEscalated       Status = "escalated"
)

// ActiveStatuses are the statuses in which an incident still accepts alerts.
var ActiveStatuses = []Status{
	StatusOpen,
	StatusAssigned,
	StatusAutoRemediating,
	StatusPendingApproval,
	StatusEscalated,
}

func (s Status) Active() bool {
	return s != StatusResolved && s != ""
}

var transitions = map[Status][]Status{
	StatusOpen:            {StatusAssigned, StatusAutoRemediating, StatusPendingApproval, StatusResolved, StatusEscalated},
	StatusAssigned:        {StatusResolved, StatusEscalated},
	StatusPendingApproval: {StatusAutoRemediating, StatusAssigned, StatusResolved, StatusEscalated},
	StatusAutoRemediating: {StatusResolved, StatusAssigned},
	StatusEscalated:       {StatusAssigned, StatusResolved},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

var (
	ErrNotFound          = apperr.NotFound("incident_not_found", "incident not found")
	ErrConflict          = apperr.Conflict("correlation_conflict", "incident was modified concurrently")
	ErrInvalidTransition = apperr.Conflict("invalid_transition", "status transition not allowed")
)

// Incident aggregates correlated alerts. AlertIDs only grows while the
// incident is active; Version guards concurrent writers.
type Incident struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"company_id"`
	AggregationKey string          `json:"aggregation_key"`
	AssetName      string          `json:"asset_name"`
	Signature      string          `json:"signature"`
	Severity       alerts.Severity `json:"severity"`
	PriorityScore  int             `json:"priority_score"`
	Status         Status          `json:"status"`
	AlertIDs       []string        `json:"alert_ids"`
	ToolSources    []string        `json:"tool_sources"`
	AssetCritical  bool            `json:"asset_critical"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	RunbookID      string          `json:"runbook_id,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

func (inc *Incident) Age(now time.Time) time.Duration {
	if now.Before(inc.CreatedAt) {
		return 0
	}
	return now.Sub(inc.CreatedAt)
}

// Clone returns a deep copy safe to mutate before a conditional write.
func (inc *Incident) Clone() *Incident {
	cp := *inc
	cp.AlertIDs = slices.Clone(inc.AlertIDs)
	cp.ToolSources = slices.Clone(inc.ToolSources)
	if inc.ResolvedAt != nil {
		t := *inc.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// AddAlert folds a into the incident: ID appended in receipt order,
// severity raised to the maximum, tool source recorded.
func (inc *Incident) AddAlert(a *alerts.Alert) {
	inc.AlertIDs = append(inc.AlertIDs, a.ID)
	inc.Severity = alerts.MaxSeverity(inc.Severity, a.Severity)
	if !slices.Contains(inc.ToolSources, a.ToolSource) {
		inc.ToolSources = append(inc.ToolSources, a.ToolSource)
	}
}

// SetStatus moves the incident to s and stamps the timestamps.
func (inc *Incident) SetStatus(s Status, now time.Time) {
	inc.Status = s
	inc.UpdatedAt = now
	if s == StatusResolved {
		t := now
		inc.ResolvedAt = &t
	}
}

// Rescore recomputes PriorityScore at now and reports whether it changed.
func (inc *Incident) Rescore(now time.Time) bool {
	score := Score(ScoreInput{
		Severity:        inc.Severity,
		AssetCritical:   inc.AssetCritical,
		AlertCount:      len(inc.AlertIDs),
		ToolSourceCount: len(inc.ToolSources),
		Age:             inc.Age(now),
	})
	changed := score != inc.PriorityScore
	inc.PriorityScore = score
	return changed
}

type ListFilter struct {
	TenantID       string
	Statuses       []Status
	Severity       alerts.Severity
	AggregationKey string
	AssetName      string
	Limit          int
}

func (f ListFilter) Match(inc *Incident) bool {
	if f.TenantID != "" && inc.TenantID != f.TenantID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inc.Status) {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.AggregationKey != "" && inc.AggregationKey != f.AggregationKey {
		return false
	}
	if f.AssetName != "" && inc.AssetName != f.AssetName {
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
