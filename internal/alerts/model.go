package alerts

import (
	"fmt"
	"strings"
	"time"

	"opsgate/internal/apperr"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// DefaultToolSource is used when a sender does not name its monitoring tool.
const DefaultToolSource = "External"

// Alert is one inbound signal. Only CorrelatedIncidentID ever changes, once.
type Alert struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"company_id"`
	AssetName            string    `json:"asset_name"`
	Signature            string    `json:"signature"`
	Severity             Severity  `json:"severity"`
	Message              string    `json:"message"`
	ToolSource           string    `json:"tool_source"`
	ReceivedAt           time.Time `json:"received_at"`
	DeliveryID           string    `json:"delivery_id,omitempty"`
	CorrelatedIncidentID string    `json:"correlated_incident_id,omitempty"`
}

func (a *Alert) Correlated() bool {
	return a.CorrelatedIncidentID != ""
}

// Payload is the webhook body accepted from monitoring tools.
type Payload struct {
	AssetName  string `json:"asset_name"`
	Signature  string `json:"signature"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	ToolSource string `json:"tool_source"`
}

// Normalize trims the payload, applies defaults and validates it.
func (p Payload) Normalize() (Payload, error) {
	p.AssetName = strings.TrimSpace(p.AssetName)
	p.Signature = strings.TrimSpace(p.Signature)
	p.Severity = strings.ToLower(strings.TrimSpace(p.Severity))
	p.Message = strings.TrimSpace(p.Message)
	p.ToolSource = strings.TrimSpace(p.ToolSource)
	if p.ToolSource == "" {
		p.ToolSource = DefaultToolSource
	}
	var missing []string
	if p.AssetName == "" {
		missing = append(missing, "asset_name")
	}
	if p.Signature == "" {
		missing = append(missing, "signature")
	}
	if p.Severity == "" {
		missing = append(missing, "severity")
	}
	if p.Message == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return p, apperr.Validation("missing_fields", "missing required fields: "+strings.Join(missing, ", "))
	}
	if !Severity(p.Severity).Valid() {
		return p, apperr.Validation("invalid_severity",
			fmt.Sprintf("severity %q must be one of low, medium, high, critical", p.Severity))
	}
	return p, nil
}

type Filter struct {
	TenantID     string
	AssetName    string
	Signature    string
	Severity     Severity
	Uncorrelated bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

func (f Filter) Match(a Alert) bool {
	if f.TenantID != "" && a.TenantID != f.TenantID {
		return false
	}
	if f.AssetName != "" && a.AssetName != f.AssetName {
		return false
	}
	if f.Signature != "" && a.Signature != f.Signature {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Uncorrelated && a.Correlated() {
		return false
	}
	if !f.Since.IsZero() && a.ReceivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.ReceivedAt.After(f.Until) {
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
