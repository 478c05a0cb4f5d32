package incidents_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsgate/internal/alerts"
	"opsgate/internal/audit"
	"opsgate/internal/bus"
	"opsgate/internal/incidents"
	"opsgate/internal/logging"
	"opsgate/internal/memstore"
	"opsgate/internal/tenants"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db  *memstore.DB
	c   *incidents.Correlator
	bus *bus.Recorder

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, cfg tenants.CorrelationConfig, critical ...string) *fixture {
	t.Helper()
	db := memstore.New()
	err := db.Tenants().Create(context.Background(), &tenants.Tenant{
		ID:             "acme",
		Name:           "Acme",
		APIKeyHash:     tenants.HashAPIKey("acme-key"),
		Correlation:    cfg,
		RateLimit:      tenants.DefaultRateLimitConfig(),
		CriticalAssets: critical,
	}, nil)
	require.NoError(t, err)

	svc := tenants.NewService(db.Tenants(), time.Minute, logging.Discard())
	f := &fixture{db: db, bus: &bus.Recorder{}, now: t0}
	f.c = incidents.NewCorrelator(db.Incidents(), db.Alerts(), svc, logging.Discard())
	f.c.Now = f.clock
	f.c.Publisher = f.bus
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(at time.Time) {
	f.mu.Lock()
	f.now = at
	f.mu.Unlock()
}

func (f *fixture) receive(t *testing.T, asset, sig string, sev alerts.Severity, tool string, at time.Time) *alerts.Alert {
	t.Helper()
	a := &alerts.Alert{
		TenantID:   "acme",
		AssetName:  asset,
		Signature:  sig,
		Severity:   sev,
		Message:    sig + " on " + asset,
		ToolSource: tool,
		ReceivedAt: at,
	}
	require.NoError(t, f.db.Alerts().Insert(context.Background(), a, nil))
	return a
}

// arrive stores an alert at `at` and runs the incremental pass at that instant.
func (f *fixture) arrive(t *testing.T, asset, sig string, sev alerts.Severity, at time.Time) incidents.PassResult {
	t.Helper()
	f.setNow(at)
	a := f.receive(t, asset, sig, sev, "Datto", at)
	res, err := f.c.CorrelateAlert(context.Background(), a)
	require.NoError(t, err)
	return res
}

func (f *fixture) all(t *testing.T) []incidents.Incident {
	t.Helper()
	incs, err := f.db.Incidents().List(context.Background(), incidents.ListFilter{TenantID: "acme"})
	require.NoError(t, err)
	return incs
}

func window(minutes, min int) tenants.CorrelationConfig {
	cfg := tenants.DefaultCorrelationConfig()
	cfg.TimeWindowMinutes = minutes
	cfg.MinAlertsForIncident = min
	return cfg
}

func TestRenderKey(t *testing.T) {
	a := &alerts.Alert{AssetName: "srv-1", Signature: "disk_full", ToolSource: "Datto"}
	assert.Equal(t, "srv-1|disk_full", incidents.RenderKey(tenants.PatternAssetSignature, a))
	assert.Equal(t, "srv-1|disk_full|Datto", incidents.RenderKey(tenants.PatternAssetSignatureTool, a))
	assert.Equal(t, "disk_full", incidents.RenderKey(tenants.PatternSignature, a))
	assert.Equal(t, "srv-1", incidents.RenderKey(tenants.PatternAsset, a))
}

func TestAlertsWithinWindowShareIncident(t *testing.T) {
	f := newFixture(t, window(10, 1))

	first := f.arrive(t, "srv-1", "cpu_high", alerts.SeverityMedium, t0)
	require.Len(t, first.Created, 1)
	for i := 1; i < 5; i++ {
		res := f.arrive(t, "srv-1", "cpu_high", alerts.SeverityMedium, t0.Add(time.Duration(i*2)*time.Minute))
		assert.Equal(t, first.Created, res.Updated)
		assert.Empty(t, res.Created)
	}

	incs := f.all(t)
	require.Len(t, incs, 1)
	assert.Len(t, incs[0].AlertIDs, 5)
	assert.Equal(t, int64(5), incs[0].Version)

	late := f.arrive(t, "srv-1", "cpu_high", alerts.SeverityMedium, t0.Add(16*time.Minute))
	require.Len(t, late.Created, 1)
	assert.NotEqual(t, first.Created[0], late.Created[0])
	assert.Len(t, f.all(t), 2)
}

func TestWindowAnchoredToCreation(t *testing.T) {
	f := newFixture(t, window(15, 1))

	first := f.arrive(t, "srv-1", "disk_full", alerts.SeverityHigh, t0)
	joined := f.arrive(t, "srv-1", "disk_full", alerts.SeverityHigh, t0.Add(14*time.Minute))
	assert.Equal(t, first.Created, joined.Updated)

	boundary := f.arrive(t, "srv-1", "disk_full", alerts.SeverityHigh, t0.Add(15*time.Minute))
	assert.Equal(t, first.Created, boundary.Updated, "window is inclusive")

	next := f.arrive(t, "srv-1", "disk_full", alerts.SeverityHigh, t0.Add(16*time.Minute))
	assert.Len(t, next.Created, 1)
}

func TestDeferredBatchKeepsWindowTogether(t *testing.T) {
	f := newFixture(t, window(15, 1))
	f.receive(t, "srv-1", "disk_full", alerts.SeverityHigh, "Datto", t0)
	f.receive(t, "srv-1", "disk_full", alerts.SeverityHigh, "Datto", t0.Add(5*time.Minute))
	f.receive(t, "srv-1", "disk_full", alerts.SeverityHigh, "Datto", t0.Add(10*time.Minute))

	f.setNow(t0.Add(30 * time.Minute))
	res, err := f.c.CorrelateTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
	assert.Empty(t, res.Updated)

	incs := f.all(t)
	require.Len(t, incs, 1)
	assert.Len(t, incs[0].AlertIDs, 3)
	assert.Equal(t, t0, incs[0].CreatedAt)
	assert.Equal(t, t0.Add(30*time.Minute), incs[0].UpdatedAt)

	// A late sibling is measured against the first alert, not the pass time.
	late := f.arrive(t, "srv-1", "disk_full", alerts.SeverityHigh, t0.Add(16*time.Minute))
	assert.Len(t, late.Created, 1)
}

func TestThreeAlertExample(t *testing.T) {
	f := newFixture(t, window(10, 1))

	f.receive(t, "srv-1", "disk_full", alerts.SeverityHigh, "Datto", t0)
	f.receive(t, "srv-1", "disk_full", alerts.SeverityCritical, "Datto", t0.Add(time.Minute))
	f.receive(t, "srv-2", "disk_full", alerts.SeverityHigh, "Datto", t0.Add(2*time.Minute))
	f.setNow(t0.Add(2 * time.Minute))

	res, err := f.c.CorrelateTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	assert.Empty(t, res.Updated)

	byKey := map[string]incidents.Incident{}
	for _, inc := range f.all(t) {
		byKey[inc.AggregationKey] = inc
	}
	require.Len(t, byKey, 2)

	srv1 := byKey["srv-1|disk_full"]
	assert.Equal(t, alerts.SeverityCritical, srv1.Severity)
	assert.Len(t, srv1.AlertIDs, 2)
	assert.Equal(t, 92, srv1.PriorityScore)

	srv2 := byKey["srv-2|disk_full"]
	assert.Equal(t, alerts.SeverityHigh, srv2.Severity)
	assert.Equal(t, 60, srv2.PriorityScore)

	uncorrelated, err := f.db.Alerts().ListUncorrelated(context.Background(), "acme", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, uncorrelated)
}

func TestBelowThresholdStaysUncorrelated(t *testing.T) {
	f := newFixture(t, window(5, 3))

	f.arrive(t, "srv-1", "svc_down", alerts.SeverityLow, t0)
	f.arrive(t, "srv-1", "svc_down", alerts.SeverityLow, t0.Add(4*time.Minute))
	// Third sibling arrives too late: the first has aged out of the window.
	f.arrive(t, "srv-1", "svc_down", alerts.SeverityLow, t0.Add(7*time.Minute))
	assert.Empty(t, f.all(t))

	f.setNow(t0.Add(2 * time.Hour))
	res, err := f.c.CorrelateTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	pending, err := f.db.Alerts().ListUncorrelated(context.Background(), "acme", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestThresholdReachedSeedsIncident(t *testing.T) {
	f := newFixture(t, window(5, 3))

	f.arrive(t, "srv-1", "svc_down", alerts.SeverityLow, t0)
	f.arrive(t, "srv-1", "svc_down", alerts.SeverityHigh, t0.Add(time.Minute))
	res := f.arrive(t, "srv-1", "svc_down", alerts.SeverityLow, t0.Add(2*time.Minute))
	require.Len(t, res.Created, 1)

	incs := f.all(t)
	require.Len(t, incs, 1)
	assert.Len(t, incs[0].AlertIDs, 3)
	assert.Equal(t, alerts.SeverityHigh, incs[0].Severity)

	entries, err := f.db.Audit().List(context.Background(), audit.Filter{Action: audit.ActionIncidentCreated})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Details["alert_count"])
}

func TestResolvedIncidentGetsNoAlerts(t *testing.T) {
	f := newFixture(t, window(10, 1))
	first := f.arrive(t, "srv-1", "cpu_high", alerts.SeverityMedium, t0)

	inc, err := f.db.Incidents().Get(context.Background(), first.Created[0])
	require.NoError(t, err)
	inc.SetStatus(incidents.StatusResolved, t0.Add(time.Minute))
	require.NoError(t, f.db.Incidents().Update(context.Background(), inc, nil))

	res := f.arrive(t, "srv-1", "cpu_high", alerts.SeverityMedium, t0.Add(2*time.Minute))
	require.Len(t, res.Created, 1)
	assert.NotEqual(t, first.Created[0], res.Created[0])
}

func TestCriticalAssetAndToolSources(t *testing.T) {
	f := newFixture(t, window(10, 1), "dc-01")

	f.setNow(t0)
	f.receive(t, "dc-01", "auth_fail", alerts.SeverityHigh, "Datto", t0)
	f.receive(t, "dc-01", "auth_fail", alerts.SeverityHigh, "NinjaOne", t0)
	_, err := f.c.CorrelateTenant(context.Background(), "acme")
	require.NoError(t, err)

	incs := f.all(t)
	require.Len(t, incs, 1)
	assert.True(t, incs[0].AssetCritical)
	assert.ElementsMatch(t, []string{"Datto", "NinjaOne"}, incs[0].ToolSources)
	// 60 high + 20 critical asset + 2 duplicate + 10 multi tool.
	assert.Equal(t, 92, incs[0].PriorityScore)
}

func TestConcurrentPassesCreateOneIncident(t *testing.T) {
	f := newFixture(t, window(10, 1))
	var stored []*alerts.Alert
	for i := 0; i < 10; i++ {
		stored = append(stored, f.receive(t, "srv-1", "cpu_high", alerts.SeverityMedium, "Datto", t0.Add(time.Duration(i)*time.Second)))
	}
	f.setNow(t0.Add(10 * time.Second))

	var wg sync.WaitGroup
	for _, a := range stored {
		wg.Add(2)
		go func(a *alerts.Alert) {
			defer wg.Done()
			_, err := f.c.CorrelateAlert(context.Background(), a)
			assert.NoError(t, err)
		}(a)
		go func() {
			defer wg.Done()
			_, err := f.c.CorrelateTenant(context.Background(), "acme")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	incs := f.all(t)
	require.Len(t, incs, 1)
	assert.Len(t, incs[0].AlertIDs, 10)
}

func TestRescorePersistsDecay(t *testing.T) {
	f := newFixture(t, window(10, 1))
	res := f.arrive(t, "srv-1", "cpu_high", alerts.SeverityHigh, t0)

	f.setNow(t0.Add(30 * time.Minute))
	changed, err := f.c.Rescore(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, changed)

	f.setNow(t0.Add(3 * time.Hour))
	changed, err = f.c.Rescore(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	inc, err := f.db.Incidents().Get(context.Background(), res.Created[0])
	require.NoError(t, err)
	assert.Equal(t, 57, inc.PriorityScore)

	entries, err := f.db.Audit().List(context.Background(), audit.Filter{ResourceID: inc.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rescoring is not audited")
}

func TestPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t, window(10, 1))
	f.arrive(t, "srv-1", "cpu_high", alerts.SeverityHigh, t0)
	f.arrive(t, "srv-1", "cpu_high", alerts.SeverityHigh, t0.Add(time.Minute))
	assert.Equal(t, []string{bus.SubjectIncidentCreated, bus.SubjectIncidentUpdated}, f.bus.Subjects())
}
