package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"opsgate/internal/apperr"
	"opsgate/internal/tenants"
)

var ErrRateLimited = apperr.New(apperr.KindRateLimited, "rate_limited", "rate limit exceeded")

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds is the Retry-After header value, at least one.
func (d Decision) RetryAfterSeconds() int {
	return max(int(math.Ceil(d.RetryAfter.Seconds())), 1)
}

// Limiter keeps one token bucket per tenant: capacity burst_size, refilled
// at requests_per_minute/60 tokens per second.
type Limiter struct {
	Now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	cfg tenants.RateLimitConfig
	lim *rate.Limiter
}

func New() *Limiter {
	return &Limiter{
		Now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from the tenant's bucket. A changed config replaces
// the bucket; a disabled config always admits.
func (l *Limiter) Allow(tenantID string, cfg tenants.RateLimitConfig) Decision {
	if !cfg.Enabled {
		return Decision{Allowed: true}
	}
	now := l.Now()
	lim := l.limiter(tenantID, cfg)
	if lim.AllowN(now, 1) {
		return Decision{Allowed: true}
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Minute}
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{RetryAfter: delay}
}

func (l *Limiter) limiter(tenantID string, cfg tenants.RateLimitConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenantID]
	if !ok || b.cfg != cfg {
		b = &bucket{
			cfg: cfg,
			lim: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), cfg.BurstSize),
		}
		l.buckets[tenantID] = b
	}
	return b.lim
}

// Forget drops the tenant's bucket.
func (l *Limiter) Forget(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, tenantID)
}
