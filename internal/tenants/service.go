package tenants

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v3"

	"opsgate/internal/audit"
)

// Service serves cached tenant snapshots and applies admin changes. Every
// write goes to the repository first and then drops the cached snapshot.
type Service struct {
	repo     Repository
	logger   *slog.Logger
	byID     *ttlcache.Cache[string, Tenant]
	byKey    *ttlcache.Cache[string, string]
	maxRetry int
}

func NewService(repo Repository, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		logger:   logger.With("component", "tenants"),
		byID:     ttlcache.New(ttlcache.WithTTL[string, Tenant](ttl)),
		byKey:    ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		maxRetry: 3,
	}
}

// Start runs the cache expiry loops until Stop is called.
func (s *Service) Start() {
	go s.byID.Start()
	go s.byKey.Start()
}

func (s *Service) Stop() {
	s.byID.Stop()
	s.byKey.Stop()
}

// Snapshot returns an immutable copy of the tenant's current settings.
func (s *Service) Snapshot(ctx context.Context, id string) (Tenant, error) {
	if item := s.byID.Get(id); item != nil {
		return item.Value().Clone(), nil
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	s.byID.Set(id, t.Clone(), ttlcache.DefaultTTL)
	return t.Clone(), nil
}

// ByAPIKey resolves the tenant owning key. The key hash is compared in
// constant time against the snapshot's current hash, so a rotated key is
// rejected even while an old key→tenant mapping is still cached.
func (s *Service) ByAPIKey(ctx context.Context, key string) (Tenant, error) {
	if key == "" {
		return Tenant{}, ErrNotFound
	}
	hash := HashAPIKey(key)
	var id string
	if item := s.byKey.Get(hash); item != nil {
		id = item.Value()
	} else {
		t, err := s.repo.GetByKeyHash(ctx, hash)
		if err != nil {
			return Tenant{}, err
		}
		id = t.ID
		s.byID.Set(id, t.Clone(), ttlcache.DefaultTTL)
		s.byKey.Set(hash, id, ttlcache.DefaultTTL)
	}
	t, err := s.Snapshot(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(t.APIKeyHash)) != 1 {
		s.byKey.Delete(hash)
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *Service) List(ctx context.Context) ([]Tenant, error) {
	return s.repo.List(ctx)
}

// IsCritical implements the asset registry lookup used by the correlator.
func (s *Service) IsCritical(ctx context.Context, tenantID, asset string) (bool, error) {
	t, err := s.Snapshot(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return t.IsCriticalAsset(asset), nil
}

// Invalidate drops the cached snapshot of id.
func (s *Service) Invalidate(id string) {
	s.byID.Delete(id)
}

// mutate loads the tenant from the repository, applies fn and persists the
// result together with the audit entry built by fn. Version conflicts with a
// concurrent admin write are retried on fresh state.
func (s *Service) mutate(ctx context.Context, id string, fn func(t *Tenant) (*audit.Entry, error)) (Tenant, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetry; attempt++ {
		t, err := s.repo.Get(ctx, id)
		if err != nil {
			return Tenant{}, err
		}
		entry, err := fn(t)
		if err != nil {
			return Tenant{}, err
		}
		err = s.repo.Update(ctx, t, entry)
		if err == nil {
			s.Invalidate(id)
			return t.Clone(), nil
		}
		if !errors.Is(err, ErrConflict) {
			return Tenant{}, err
		}
		lastErr = err
	}
	return Tenant{}, lastErr
}

func (s *Service) UpdateCorrelation(ctx context.Context, id string, cfg CorrelationConfig, actor string) (Tenant, error) {
	if err := cfg.Validate(); err != nil {
		return Tenant{}, err
	}
	return s.mutate(ctx, id, func(t *Tenant) (*audit.Entry, error) {
		t.Correlation = cfg
		return audit.New(id, audit.ActionCorrelationConfig, actor, "company", id).
			With("aggregation_key_pattern", string(cfg.AggregationKeyPattern)).
			With("time_window_minutes", cfg.TimeWindowMinutes).
			With("min_alerts_for_incident", cfg.MinAlertsForIncident).
			With("auto_correlate", cfg.AutoCorrelate).
			With("auto_decide", cfg.AutoDecide), nil
	})
}

func (s *Service) UpdateRateLimit(ctx context.Context, id string, cfg RateLimitConfig, actor string) (Tenant, error) {
	if err := cfg.Validate(); err != nil {
		return Tenant{}, err
	}
	return s.mutate(ctx, id, func(t *Tenant) (*audit.Entry, error) {
		t.RateLimit = cfg
		return audit.New(id, audit.ActionRateLimitConfig, actor, "company", id).
			With("requests_per_minute", cfg.RequestsPerMinute).
			With("burst_size", cfg.BurstSize).
			With("enabled", cfg.Enabled), nil
	})
}

// RotateAPIKey replaces the tenant's key; the previous key stops working as
// soon as the write commits.
func (s *Service) RotateAPIKey(ctx context.Context, id, actor string) (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	_, err = s.mutate(ctx, id, func(t *Tenant) (*audit.Entry, error) {
		t.APIKeyHash = HashAPIKey(key)
		return audit.New(id, audit.ActionAPIKeyRotated, actor, "company", id), nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// EnableHMAC turns on signed deliveries with a freshly generated secret.
func (s *Service) EnableHMAC(ctx context.Context, id string, maxDiffSeconds int, actor string) (string, error) {
	if maxDiffSeconds < 0 {
		return "", invalidConfig("max_timestamp_diff_seconds must be positive")
	}
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	_, err = s.mutate(ctx, id, func(t *Tenant) (*audit.Entry, error) {
		t.Security.HMACEnabled = true
		t.Security.HMACSecret = secret
		if maxDiffSeconds > 0 {
			t.Security.MaxTimestampDiffSeconds = maxDiffSeconds
		}
		return audit.New(id, audit.ActionWebhookSecurity, actor, "company", id).
			With("hmac_enabled", true).
			With("max_timestamp_diff_seconds", t.Security.MaxTimestampDiff().Seconds()), nil
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}

func (s *Service) DisableHMAC(ctx context.Context, id, actor string) (Tenant, error) {
	return s.mutate(ctx, id, func(t *Tenant) (*audit.Entry, error) {
		t.Security.HMACEnabled = false
		t.Security.HMACSecret = ""
		return audit.New(id, audit.ActionWebhookSecurity, actor, "company", id).
			With("hmac_enabled", false), nil
	})
}
