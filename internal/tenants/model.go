package tenants

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"opsgate/internal/apperr"
)

// KeyPattern selects which alert attributes form the aggregation key.
type KeyPattern string

const (
	PatternAssetSignature     KeyPattern = "asset|signature"
	PatternAssetSignatureTool KeyPattern = "asset|signature|tool"
	PatternSignature          KeyPattern = "signature"
	PatternAsset              KeyPattern = "asset"
)

func (p KeyPattern) Valid() bool {
	switch p {
	case PatternAssetSignature, PatternAssetSignatureTool, PatternSignature, PatternAsset:
		return true
	}
	return false
}

const (
	MinWindowMinutes = 5
	MaxWindowMinutes = 15

	DefaultMaxTimestampDiffSeconds = 300
)

type CorrelationConfig struct {
	AggregationKeyPattern KeyPattern `json:"aggregation_key_pattern" yaml:"aggregation_key_pattern"`
	TimeWindowMinutes     int        `json:"time_window_minutes" yaml:"time_window_minutes"`
	MinAlertsForIncident  int        `json:"min_alerts_for_incident" yaml:"min_alerts_for_incident"`
	AutoCorrelate         bool       `json:"auto_correlate" yaml:"auto_correlate"`
	AutoDecide            bool       `json:"auto_decide" yaml:"auto_decide"`
}

func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		AggregationKeyPattern: PatternAssetSignature,
		TimeWindowMinutes:     10,
		MinAlertsForIncident:  1,
		AutoCorrelate:         true,
		AutoDecide:            true,
	}
}

func (c CorrelationConfig) Window() time.Duration {
	return time.Duration(c.TimeWindowMinutes) * time.Minute
}

func (c CorrelationConfig) Validate() error {
	if !c.AggregationKeyPattern.Valid() {
		return invalidConfig("aggregation_key_pattern %q is not supported", c.AggregationKeyPattern)
	}
	if c.TimeWindowMinutes < MinWindowMinutes || c.TimeWindowMinutes > MaxWindowMinutes {
		return invalidConfig("time_window_minutes must be between %d and %d", MinWindowMinutes, MaxWindowMinutes)
	}
	if c.MinAlertsForIncident < 1 {
		return invalidConfig("min_alerts_for_incident must be at least 1")
	}
	return nil
}

type RateLimitConfig struct {
	RequestsPerMinute int  `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int  `json:"burst_size" yaml:"burst_size"`
	Enabled           bool `json:"enabled" yaml:"enabled"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 60, BurstSize: 100, Enabled: true}
}

func (c RateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 1 {
		return invalidConfig("requests_per_minute must be at least 1")
	}
	if c.BurstSize < c.RequestsPerMinute {
		return invalidConfig("burst_size must be >= requests_per_minute")
	}
	return nil
}

// WebhookSecurity holds the optional HMAC replay protection settings.
type WebhookSecurity struct {
	HMACEnabled             bool   `json:"hmac_enabled"`
	HMACSecret              string `json:"-"`
	MaxTimestampDiffSeconds int    `json:"max_timestamp_diff_seconds"`
}

func (s WebhookSecurity) MaxTimestampDiff() time.Duration {
	if s.MaxTimestampDiffSeconds <= 0 {
		return DefaultMaxTimestampDiffSeconds * time.Second
	}
	return time.Duration(s.MaxTimestampDiffSeconds) * time.Second
}

// Tenant is one client company and its engine settings. Values handed out by
// Service are private copies; Version increases on every admin write.
type Tenant struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	APIKeyHash     string            `json:"-"`
	Correlation    CorrelationConfig `json:"correlation"`
	RateLimit      RateLimitConfig   `json:"rate_limit"`
	Security       WebhookSecurity   `json:"webhook_security"`
	CriticalAssets []string          `json:"critical_assets"`
	Version        int64             `json:"version"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (t Tenant) Clone() Tenant {
	t.CriticalAssets = slices.Clone(t.CriticalAssets)
	return t
}

func (t Tenant) IsCriticalAsset(asset string) bool {
	return slices.Contains(t.CriticalAssets, asset)
}

var (
	ErrNotFound = apperr.NotFound("company_not_found", "company not found")
	ErrConflict = apperr.Conflict("company_conflict", "company was modified concurrently")
)

func invalidConfig(format string, args ...any) error {
	return apperr.Validation("invalid_config", fmt.Sprintf(format, args...))
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func randomToken(prefix string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(buf), nil
}

func GenerateAPIKey() (string, error) { return randomToken("ogk_", 24) }

func GenerateSecret() (string, error) { return randomToken("ogs_", 32) }
