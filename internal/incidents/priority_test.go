package incidents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"opsgate/internal/alerts"
)

func TestScore(t *testing.T) {
	cases := []struct {
		name string
		in   ScoreInput
		want int
	}{
		{"single low", ScoreInput{Severity: alerts.SeverityLow, AlertCount: 1, ToolSourceCount: 1}, 10},
		{"critical with one duplicate", ScoreInput{Severity: alerts.SeverityCritical, AlertCount: 2, ToolSourceCount: 1}, 92},
		{"critical asset", ScoreInput{Severity: alerts.SeverityHigh, AssetCritical: true, AlertCount: 1, ToolSourceCount: 1}, 80},
		{"duplicate factor capped", ScoreInput{Severity: alerts.SeverityMedium, AlertCount: 50, ToolSourceCount: 1}, 50},
		{"multi tool", ScoreInput{Severity: alerts.SeverityMedium, AlertCount: 1, ToolSourceCount: 2}, 40},
		{"partial hour does not decay", ScoreInput{Severity: alerts.SeverityHigh, AlertCount: 1, ToolSourceCount: 1, Age: 59 * time.Minute}, 60},
		{"three hours old", ScoreInput{Severity: alerts.SeverityHigh, AlertCount: 1, ToolSourceCount: 1, Age: 3 * time.Hour}, 57},
		{"decay capped", ScoreInput{Severity: alerts.SeverityHigh, AlertCount: 1, ToolSourceCount: 1, Age: 72 * time.Hour}, 50},
		{"everything", ScoreInput{Severity: alerts.SeverityCritical, AssetCritical: true, AlertCount: 11, ToolSourceCount: 3, Age: 2 * time.Hour}, 138},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Score(tc.in))
		})
	}
}

func TestScoreMonotonic(t *testing.T) {
	base := ScoreInput{Severity: alerts.SeverityMedium, AlertCount: 1, ToolSourceCount: 1}
	prev := Score(base)
	for _, sev := range []alerts.Severity{alerts.SeverityHigh, alerts.SeverityCritical} {
		in := base
		in.Severity = sev
		assert.Greater(t, Score(in), prev)
		prev = Score(in)
	}

	prev = Score(base)
	for n := 2; n <= 15; n++ {
		in := base
		in.AlertCount = n
		assert.GreaterOrEqual(t, Score(in), prev)
		prev = Score(in)
	}

	prev = Score(base)
	for h := 1; h <= 20; h++ {
		in := base
		in.Age = time.Duration(h) * time.Hour
		assert.LessOrEqual(t, Score(in), prev)
		assert.GreaterOrEqual(t, Score(in), Score(base)-10)
		prev = Score(in)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusOpen, StatusPendingApproval))
	assert.True(t, CanTransition(StatusPendingApproval, StatusAutoRemediating))
	assert.True(t, CanTransition(StatusAutoRemediating, StatusResolved))
	assert.False(t, CanTransition(StatusResolved, StatusOpen))
	assert.False(t, CanTransition(StatusAssigned, StatusPendingApproval))
}

func TestAddAlertRaisesSeverity(t *testing.T) {
	inc := &Incident{Severity: alerts.SeverityHigh, ToolSources: []string{"Datto"}}
	inc.AddAlert(&alerts.Alert{ID: "a1", Severity: alerts.SeverityLow, ToolSource: "Datto"})
	inc.AddAlert(&alerts.Alert{ID: "a2", Severity: alerts.SeverityCritical, ToolSource: "NinjaOne"})
	assert.Equal(t, alerts.SeverityCritical, inc.Severity)
	assert.Equal(t, []string{"a1", "a2"}, inc.AlertIDs)
	assert.Equal(t, []string{"Datto", "NinjaOne"}, inc.ToolSources)
}
