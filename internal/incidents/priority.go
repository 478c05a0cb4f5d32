package incidents

import (
	"time"

	"opsgate/internal/alerts"
)

var severityBase = map[alerts.Severity]int{
	alerts.SeverityCritical: 90,
	alerts.SeverityHigh:     60,
	alerts.SeverityMedium:   30,
	alerts.SeverityLow:      10,
}

const (
	criticalAssetBonus = 20
	duplicateStep      = 2
	duplicateCap       = 20
	multiToolBonus     = 10
	maxAgeDecayHours   = 10
)

type ScoreInput struct {
	Severity        alerts.Severity
	AssetCritical   bool
	AlertCount      int
	ToolSourceCount int
	Age             time.Duration
}

// Score is the incident priority. It is a pure function of its input; age
// decays the score by one point per whole hour, at most ten points.
func Score(in ScoreInput) int {
	score := severityBase[in.Severity]
	if in.AssetCritical {
		score += criticalAssetBonus
	}
	if in.AlertCount > 1 {
		score += min((in.AlertCount-1)*duplicateStep, duplicateCap)
	}
	if in.ToolSourceCount >= 2 {
		score += multiToolBonus
	}
	ageHours := int(in.Age / time.Hour)
	if ageHours > 0 {
		score -= min(ageHours, maxAgeDecayHours)
	}
	return score
}
