package decision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"opsgate/internal/alerts"
)

// RuleSet is the decision rules file: a runbook catalog plus ordered rules.
type RuleSet struct {
	DefaultAction Action       `yaml:"default_action"`
	Runbooks      []Runbook    `yaml:"runbooks"`
	Rules         []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	ID         string    `yaml:"id"`
	Match      RuleMatch `yaml:"match"`
	Action     Action    `yaml:"action"`
	Runbook    string    `yaml:"runbook"`
	Technician string    `yaml:"technician"`
}

// RuleMatch fields are ANDed; empty fields match anything.
type RuleMatch struct {
	Signature         string          `yaml:"signature"`
	SignatureContains string          `yaml:"signature_contains"`
	Assets            []string        `yaml:"assets"`
	MinSeverity       alerts.Severity `yaml:"min_severity"`
	ToolSource        string          `yaml:"tool_source"`
	AssetCritical     *bool           `yaml:"asset_critical"`
}

func (m RuleMatch) Matches(s Snapshot) bool {
	if m.Signature != "" && m.Signature != s.Signature {
		return false
	}
	if m.SignatureContains != "" && !strings.Contains(s.Signature, m.SignatureContains) {
		return false
	}
	if len(m.Assets) > 0 {
		found := false
		for _, a := range m.Assets {
			if a == s.AssetName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.MinSeverity != "" && s.Severity.Rank() < m.MinSeverity.Rank() {
		return false
	}
	if m.ToolSource != "" {
		found := false
		for _, t := range s.ToolSources {
			if t == m.ToolSource {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.AssetCritical != nil && *m.AssetCritical != s.AssetCritical {
		return false
	}
	return true
}

func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	if rs.DefaultAction == "" {
		rs.DefaultAction = ActionAssign
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) validate() error {
	if rs.DefaultAction == ActionAutoRemediate || !rs.DefaultAction.Valid() {
		return fmt.Errorf("default_action %q must be assign or escalate", rs.DefaultAction)
	}
	catalog := NewCatalog(rs.Runbooks)
	for _, rb := range rs.Runbooks {
		if rb.ID == "" {
			return errors.New("runbook without id")
		}
		if !rb.RiskLevel.Valid() {
			return fmt.Errorf("runbook %s: invalid risk_level %q", rb.ID, rb.RiskLevel)
		}
	}
	for _, r := range rs.Rules {
		if !r.Action.Valid() {
			return fmt.Errorf("rule %s: invalid action %q", r.ID, r.Action)
		}
		if r.Action == ActionAutoRemediate {
			if _, ok := catalog.Lookup(r.Runbook); !ok {
				return fmt.Errorf("rule %s: unknown runbook %q", r.ID, r.Runbook)
			}
		}
		if r.Match.MinSeverity != "" && !r.Match.MinSeverity.Valid() {
			return fmt.Errorf("rule %s: invalid min_severity %q", r.ID, r.Match.MinSeverity)
		}
	}
	return nil
}

func (rs *RuleSet) Catalog() Catalog {
	return NewCatalog(rs.Runbooks)
}

// RulesProvider decides from the rule set; the first matching rule wins.
type RulesProvider struct {
	Rules *RuleSet
}

func NewRulesProvider(rs *RuleSet) *RulesProvider {
	return &RulesProvider{Rules: rs}
}

func (p *RulesProvider) Decide(_ context.Context, s Snapshot) (Recommendation, error) {
	for _, r := range p.Rules.Rules {
		if !r.Match.Matches(s) {
			continue
		}
		return Recommendation{
			Action:     r.Action,
			RunbookID:  r.Runbook,
			Technician: r.Technician,
			Reason:     "rule " + r.ID,
		}, nil
	}
	return Recommendation{Action: p.Rules.DefaultAction, Reason: "default"}, nil
}
