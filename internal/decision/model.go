package decision

import (
	"context"

	"opsgate/internal/alerts"
	"opsgate/internal/apperr"
	"opsgate/internal/approvals"
	"opsgate/internal/incidents"
)

type Action string

const (
	ActionAutoRemediate Action = "auto_remediate"
	ActionAssign        Action = "assign"
	ActionEscalate      Action = "escalate"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAutoRemediate, ActionAssign, ActionEscalate:
		return true
	}
	return false
}

// Recommendation is what a provider suggests for one incident. RunbookID is
// set for auto_remediate, Technician optionally for assign.
type Recommendation struct {
	Action     Action `json:"action"`
	RunbookID  string `json:"runbook_id,omitempty"`
	Technician string `json:"technician,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Snapshot is the read-only view of an incident handed to providers.
type Snapshot struct {
	IncidentID     string          `json:"incident_id"`
	TenantID       string          `json:"company_id"`
	AggregationKey string          `json:"aggregation_key"`
	AssetName      string          `json:"asset_name"`
	Signature      string          `json:"signature"`
	Severity       alerts.Severity `json:"severity"`
	PriorityScore  int             `json:"priority_score"`
	AlertCount     int             `json:"alert_count"`
	ToolSources    []string        `json:"tool_sources"`
	AssetCritical  bool            `json:"asset_critical"`
}

func SnapshotOf(inc *incidents.Incident) Snapshot {
	return Snapshot{
		IncidentID:     inc.ID,
		TenantID:       inc.TenantID,
		AggregationKey: inc.AggregationKey,
		AssetName:      inc.AssetName,
		Signature:      inc.Signature,
		Severity:       inc.Severity,
		PriorityScore:  inc.PriorityScore,
		AlertCount:     len(inc.AlertIDs),
		ToolSources:    append([]string(nil), inc.ToolSources...),
		AssetCritical:  inc.AssetCritical,
	}
}

// Provider recommends an action for an incident.
type Provider interface {
	Decide(ctx context.Context, s Snapshot) (Recommendation, error)
}

type Runbook struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	RiskLevel   approvals.RiskLevel `json:"risk_level" yaml:"risk_level"`
	AutoApprove bool                `json:"auto_approve" yaml:"auto_approve"`
}

// AutoExecutable reports whether the runbook may run without a human.
func (r Runbook) AutoExecutable() bool {
	return r.RiskLevel == approvals.RiskLow && r.AutoApprove
}

// Catalog indexes runbooks by ID.
type Catalog map[string]Runbook

func NewCatalog(runbooks []Runbook) Catalog {
	c := make(Catalog, len(runbooks))
	for _, rb := range runbooks {
		c[rb.ID] = rb
	}
	return c
}

func (c Catalog) Lookup(id string) (Runbook, bool) {
	rb, ok := c[id]
	return rb, ok
}

var (
	ErrNotOpen             = apperr.Conflict("incident_not_open", "only open incidents can be decided")
	ErrUnknownRunbook      = apperr.Validation("unknown_runbook", "runbook is not in the catalog")
	ErrInvalidAction       = apperr.Validation("invalid_action", "provider returned an unknown action")
	ErrProviderUnavailable = apperr.New(apperr.KindUnavailable, "provider_unavailable", "decision provider unavailable")
	ErrExecutionFailed     = apperr.New(apperr.KindUnavailable, "execution_failed", "runbook execution failed")
)
