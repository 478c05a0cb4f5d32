package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Songmu/retry"
	"github.com/google/uuid"

	"opsgate/internal/alerts"
	"opsgate/internal/audit"
	"opsgate/internal/bus"
	"opsgate/internal/metrics"
	"opsgate/internal/tenants"
)

// AlertSource lists alerts still waiting for an incident.
type AlertSource interface {
	ListUncorrelated(ctx context.Context, tenantID string, since time.Time) ([]alerts.Alert, error)
}

// TenantSource supplies correlation settings and the critical asset registry.
type TenantSource interface {
	Snapshot(ctx context.Context, id string) (tenants.Tenant, error)
	IsCritical(ctx context.Context, tenantID, asset string) (bool, error)
}

// PassResult lists the incidents touched by one correlation pass.
type PassResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

func (r *PassResult) Merge(o PassResult) {
	for _, id := range o.Created {
		if !slices.Contains(r.Created, id) {
			r.Created = append(r.Created, id)
		}
	}
	for _, id := range o.Updated {
		r.markUpdated(id)
	}
}

func (r *PassResult) markUpdated(id string) {
	if slices.Contains(r.Created, id) || slices.Contains(r.Updated, id) {
		return
	}
	r.Updated = append(r.Updated, id)
}

// Touched returns created and updated IDs in that order.
func (r PassResult) Touched() []string {
	return append(slices.Clone(r.Created), r.Updated...)
}

// RenderKey builds the aggregation key of a under pattern.
func RenderKey(pattern tenants.KeyPattern, a *alerts.Alert) string {
	switch pattern {
	case tenants.PatternAssetSignatureTool:
		return strings.Join([]string{a.AssetName, a.Signature, a.ToolSource}, "|")
	case tenants.PatternSignature:
		return a.Signature
	case tenants.PatternAsset:
		return a.AssetName
	default:
		return a.AssetName + "|" + a.Signature
	}
}

type Correlator struct {
	Store     Repository
	Alerts    AlertSource
	Tenants   TenantSource
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Publisher bus.Publisher
	// Lookback bounds how far back a batch pass looks for uncorrelated alerts.
	Lookback time.Duration
	Now      func() time.Time

	locks     *KeyLock
	retries   uint
	retryWait time.Duration
}

func NewCorrelator(store Repository, alertSrc AlertSource, tenantSrc TenantSource, logger *slog.Logger) *Correlator {
	return &Correlator{
		Store:     store,
		Alerts:    alertSrc,
		Tenants:   tenantSrc,
		Logger:    logger,
		Publisher: bus.Nop{},
		Lookback:  24 * time.Hour,
		Now:       func() time.Time { return time.Now().UTC() },
		locks:     NewKeyLock(),
		retries:   3,
		retryWait: 20 * time.Millisecond,
	}
}

// CorrelateAlert runs the incremental pass for the key of a freshly stored alert.
func (c *Correlator) CorrelateAlert(ctx context.Context, a *alerts.Alert) (PassResult, error) {
	t, err := c.Tenants.Snapshot(ctx, a.TenantID)
	if err != nil {
		return PassResult{}, err
	}
	key := RenderKey(t.Correlation.AggregationKeyPattern, a)
	since := a.ReceivedAt.Add(-t.Correlation.Window())
	res, err := c.correlateKey(ctx, t, key, since)
	c.Metrics.IncidentsCorrelated(len(res.Created), len(res.Updated))
	return res, err
}

// CorrelateTenant groups every uncorrelated alert in the lookback horizon by
// key and correlates each group. A failing key does not stop the others.
func (c *Correlator) CorrelateTenant(ctx context.Context, tenantID string) (PassResult, error) {
	start := time.Now()
	defer func() { c.Metrics.ObserveCorrelation(time.Since(start)) }()

	t, err := c.Tenants.Snapshot(ctx, tenantID)
	if err != nil {
		return PassResult{}, err
	}
	since := c.Now().Add(-c.Lookback)
	pending, err := c.Alerts.ListUncorrelated(ctx, tenantID, since)
	if err != nil {
		return PassResult{}, fmt.Errorf("list uncorrelated alerts: %w", err)
	}

	var keys []string
	for i := range pending {
		key := RenderKey(t.Correlation.AggregationKeyPattern, &pending[i])
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}

	var res PassResult
	var firstErr error
	for _, key := range keys {
		r, err := c.correlateKey(ctx, t, key, since)
		res.Merge(r)
		if err != nil {
			c.Logger.Error("correlate key", "company", tenantID, "key", key, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.Metrics.IncidentsCorrelated(len(res.Created), len(res.Updated))
	if len(res.Created)+len(res.Updated) > 0 {
		c.Logger.Info("correlation pass", "company", tenantID, "created", len(res.Created), "updated", len(res.Updated))
	}
	return res, firstErr
}

func (c *Correlator) correlateKey(ctx context.Context, t tenants.Tenant, key string, since time.Time) (PassResult, error) {
	unlock := c.locks.Lock(t.ID + "\x00" + key)
	defer unlock()

	var res PassResult
	var fatal error
	err := retry.Retry(c.retries, c.retryWait, func() error {
		r, err := c.applyKey(ctx, t, key, since)
		res.Merge(r)
		if errors.Is(err, ErrConflict) {
			c.Logger.Debug("correlation conflict, retrying", "company", t.ID, "key", key)
			return err
		}
		fatal = err
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("correlate %q: %w", key, err)
	}
	return res, fatal
}

// applyKey walks the uncorrelated alerts of one key in receipt order.
func (c *Correlator) applyKey(ctx context.Context, t tenants.Tenant, key string, since time.Time) (PassResult, error) {
	var res PassResult
	cfg := t.Correlation
	window := cfg.Window()

	all, err := c.Alerts.ListUncorrelated(ctx, t.ID, since)
	if err != nil {
		return res, fmt.Errorf("list uncorrelated alerts: %w", err)
	}
	var pending []alerts.Alert
	for i := range all {
		if RenderKey(cfg.AggregationKeyPattern, &all[i]) == key {
			pending = append(pending, all[i])
		}
	}
	if len(pending) == 0 {
		return res, nil
	}

	active, err := c.Store.ActiveByKey(ctx, t.ID, key)
	if err != nil {
		return res, fmt.Errorf("active incidents: %w", err)
	}

	var waiting []alerts.Alert
	for i := range pending {
		a := &pending[i]
		if idx := pickIncident(active, a.ReceivedAt, window); idx >= 0 {
			if err := c.join(ctx, &active[idx], a); err != nil {
				return res, err
			}
			res.markUpdated(active[idx].ID)
			continue
		}

		waiting = append(waiting, *a)
		for len(waiting) > 0 && a.ReceivedAt.Sub(waiting[0].ReceivedAt) > window {
			waiting = waiting[1:]
		}
		if len(waiting) < max(cfg.MinAlertsForIncident, 1) {
			continue
		}
		inc, err := c.create(ctx, t.ID, key, waiting)
		if err != nil {
			return res, err
		}
		active = append(active, *inc)
		res.Created = append(res.Created, inc.ID)
		waiting = nil
	}
	return res, nil
}

// pickIncident returns the index of the latest active incident whose
// creation lies within window of receivedAt, or -1.
func pickIncident(active []Incident, receivedAt time.Time, window time.Duration) int {
	best := -1
	for i := range active {
		inc := &active[i]
		if !inc.Status.Active() {
			continue
		}
		diff := receivedAt.Sub(inc.CreatedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > window {
			continue
		}
		if best < 0 || inc.CreatedAt.After(active[best].CreatedAt) {
			best = i
		}
	}
	return best
}

func (c *Correlator) critical(ctx context.Context, tenantID, asset string) bool {
	ok, err := c.Tenants.IsCritical(ctx, tenantID, asset)
	if err != nil {
		c.Logger.Warn("critical asset lookup failed", "company", tenantID, "asset", asset, "err", err)
		return false
	}
	return ok
}

func (c *Correlator) join(ctx context.Context, inc *Incident, a *alerts.Alert) error {
	now := c.Now()
	next := inc.Clone()
	next.AddAlert(a)
	if !next.AssetCritical && c.critical(ctx, inc.TenantID, a.AssetName) {
		next.AssetCritical = true
	}
	next.UpdatedAt = now
	next.Rescore(now)

	entry := audit.New(inc.TenantID, audit.ActionIncidentUpdated, audit.ActorSystem, "incident", inc.ID).
		With("alert_id", a.ID).
		With("alert_count", len(next.AlertIDs)).
		With("severity", string(next.Severity)).
		With("priority_score", next.PriorityScore)
	if err := c.Store.Append(ctx, next, []string{a.ID}, entry); err != nil {
		return err
	}
	*inc = *next
	bus.Emit(c.Publisher, c.Logger, bus.SubjectIncidentUpdated, inc)
	return nil
}

func (c *Correlator) create(ctx context.Context, tenantID, key string, seed []alerts.Alert) (*Incident, error) {
	now := c.Now()
	// seed is in receipt order; the window is anchored to its first alert,
	// not to when the pass happened to run.
	inc := &Incident{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		AggregationKey: key,
		AssetName:      seed[0].AssetName,
		Signature:      seed[0].Signature,
		Severity:       seed[0].Severity,
		Status:         StatusOpen,
		CreatedAt:      seed[0].ReceivedAt,
		UpdatedAt:      now,
	}
	for i := range seed {
		inc.AddAlert(&seed[i])
		if !inc.AssetCritical && c.critical(ctx, tenantID, seed[i].AssetName) {
			inc.AssetCritical = true
		}
	}
	inc.Rescore(now)

	entry := audit.New(tenantID, audit.ActionIncidentCreated, audit.ActorSystem, "incident", inc.ID).
		With("aggregation_key", key).
		With("alert_count", len(inc.AlertIDs)).
		With("severity", string(inc.Severity)).
		With("priority_score", inc.PriorityScore)
	if err := c.Store.Create(ctx, inc, entry); err != nil {
		return nil, err
	}
	c.Logger.Info("incident created", "id", inc.ID, "company", tenantID, "key", key, "alerts", len(inc.AlertIDs))
	bus.Emit(c.Publisher, c.Logger, bus.SubjectIncidentCreated, inc)
	return inc, nil
}

// Rescore recomputes the priority of every active incident of the tenant
// and persists the ones that changed. It writes no audit entries.
func (c *Correlator) Rescore(ctx context.Context, tenantID string) (int, error) {
	incs, err := c.Store.List(ctx, ListFilter{TenantID: tenantID, Statuses: ActiveStatuses, Limit: 500})
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range incs {
		ok, err := c.rescoreOne(ctx, &incs[i])
		if err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (c *Correlator) rescoreOne(ctx context.Context, stale *Incident) (bool, error) {
	unlock := c.locks.Lock(stale.TenantID + "\x00" + stale.AggregationKey)
	defer unlock()

	inc, err := c.Store.Get(ctx, stale.ID)
	if err != nil {
		return false, err
	}
	if !inc.Status.Active() || !inc.Rescore(c.Now()) {
		return false, nil
	}
	if err := c.Store.Update(ctx, inc, nil); err != nil {
		return false, err
	}
	return true, nil
}
