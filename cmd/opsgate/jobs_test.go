package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsgate/internal/logging"
	"opsgate/internal/memstore"
	"opsgate/internal/scheduler"
	"opsgate/internal/tenants"
)

func TestReconcileSchedulesPerCompanyJobs(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	manual := tenants.DefaultCorrelationConfig()
	manual.AutoCorrelate = false
	manual.AutoDecide = false
	for id, cfg := range map[string]tenants.CorrelationConfig{
		"acme":             tenants.DefaultCorrelationConfig(),
		"globex":           manual,
	} {
		require.NoError(t, db.Tenants().Create(ctx, &tenants.Tenant{
			ID:          id,
			Name:        id,
			APIKeyHash:  tenants.HashAPIKey(id + "-key"),
			Correlation: cfg,
			RateLimit:   tenants.DefaultRateLimitConfig(),
		}, nil))
	}
	svc := tenants.NewService(db.Tenants(), time.Minute, logging.Discard())

	jobs := scheduler.NewRegistry(logging.Discard(), 0)
	defer jobs.Stop()
	p := &jobPlanner{Jobs: jobs, Tenants: svc, Interval: time.Hour, Logger: logging.Discard()}
	require.NoError(t, p.Reconcile(ctx))

	intervals := map[string]time.Duration{}
	for _, j := range jobs.ListJobs() {
		intervals[j.Name] = j.Interval
	}
	assert.Equal(t, map[string]time.Duration{
		"approvals:expire": time.Hour,
		"correlate:acme":   time.Hour,
		"correlate:globex": backlogFactor * time.Hour,
		"decide:acme":      time.Hour,
		"rescore:acme":     time.Minute,
		"rescore:globex":   time.Minute,
	}, intervals)

	_, err := svc.UpdateCorrelation(ctx, "acme", manual, "alice")
	require.NoError(t, err)
	require.NoError(t, p.Reconcile(ctx))
	assert.Equal(t, []string{"correlate:acme", "correlate:globex"}, jobs.Names("correlate:"))
	assert.Empty(t, jobs.Names("decide:"))
	for _, j := range jobs.ListJobs() {
		if j.Name == "correlate:acme" {
			assert.Equal(t, backlogFactor*time.Hour, j.Interval)
		}
	}
}
