package tenants

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"opsgate/internal/audit"
)

type tenantsFile struct {
	Tenants []struct {
		ID                      string             `yaml:"id"`
		Name                    string             `yaml:"name"`
		APIKey                  string             `yaml:"api_key"`
		HMACSecret              string             `yaml:"hmac_secret"`
		MaxTimestampDiffSeconds int                `yaml:"max_timestamp_diff_seconds"`
		CriticalAssets          []string           `yaml:"critical_assets"`
		Correlation             *CorrelationConfig `yaml:"correlation"`
		RateLimit               *RateLimitConfig   `yaml:"rate_limit"`
	} `yaml:"tenants"`
}

// SeedFromFile creates the tenants listed in a YAML file that do not exist
// yet. Existing tenants are left untouched so admin changes survive restarts.
func (s *Service) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var tf tenantsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return 0, err
	}
	created := 0
	for _, ft := range tf.Tenants {
		if ft.ID == "" || ft.APIKey == "" {
			continue
		}
		if _, err := s.repo.Get(ctx, ft.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		t := &Tenant{
			ID:             ft.ID,
			Name:           ft.Name,
			APIKeyHash:     HashAPIKey(ft.APIKey),
			Correlation:    DefaultCorrelationConfig(),
			RateLimit:      DefaultRateLimitConfig(),
			CriticalAssets: ft.CriticalAssets,
			Security: WebhookSecurity{
				HMACEnabled:             ft.HMACSecret != "",
				HMACSecret:              ft.HMACSecret,
				MaxTimestampDiffSeconds: ft.MaxTimestampDiffSeconds,
			},
		}
		if ft.Correlation != nil {
			t.Correlation = *ft.Correlation
		}
		if ft.RateLimit != nil {
			t.RateLimit = *ft.RateLimit
		}
		if err := t.Correlation.Validate(); err != nil {
			return created, fmt.Errorf("tenant %s: %w", ft.ID, err)
		}
		if err := t.RateLimit.Validate(); err != nil {
			return created, fmt.Errorf("tenant %s: %w", ft.ID, err)
		}
		entry := audit.New(t.ID, audit.ActionTenantSeeded, audit.ActorSystem, "company", t.ID)
		if err := s.repo.Create(ctx, t, entry); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
