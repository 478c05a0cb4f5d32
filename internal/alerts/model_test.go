package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsgate/internal/apperr"
)

func TestPayloadNormalize(t *testing.T) {
	p, err := Payload{
		AssetName: " web-01 ",
		Signature: "high_cpu",
		Severity:  "HIGH",
		Message:   "cpu at 97%",
	}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "web-01", p.AssetName)
	assert.Equal(t, "high", p.Severity)
	assert.Equal(t, DefaultToolSource, p.ToolSource)
}

func TestPayloadNormalizeRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		code    string
	}{
		{
			name:    "missing fields",
			payload: Payload{Severity: "low"},
			code:    "missing_fields",
		},
		{
			name:    "unknown severity",
			payload: Payload{AssetName: "a", Signature: "s", Severity: "urgent", Message: "m"},
			code:    "invalid_severity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.payload.Normalize()
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityHigh, SeverityCritical))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityLow))
	assert.Equal(t, SeverityMedium, MaxSeverity(Severity(""), SeverityMedium))
}

func TestFilterMatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := Alert{TenantID: "acme", AssetName: "srv-1", Severity: SeverityHigh, ReceivedAt: now}

	assert.True(t, Filter{TenantID: "acme", Uncorrelated: true}.Match(a))
	assert.False(t, Filter{TenantID: "globex"}.Match(a))
	assert.False(t, Filter{Since: now.Add(time.Minute)}.Match(a))

	a.CorrelatedIncidentID = "inc-1"
	assert.False(t, Filter{Uncorrelated: true}.Match(a))
}
