// Package ingest turns webhook deliveries into stored alerts and drives the
// incremental correlation and decision passes that follow them.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsgate/internal/alerts"
	"opsgate/internal/apperr"
	"opsgate/internal/audit"
	"opsgate/internal/guard"
	"opsgate/internal/incidents"
	"opsgate/internal/metrics"
	"opsgate/internal/ratelimit"
	"opsgate/internal/tenants"
)

// Authenticator resolves and verifies the tenant behind a delivery.
type Authenticator interface {
	Authenticate(ctx context.Context, req guard.Request) (tenants.Tenant, error)
}

// AlertCorrelator runs the incremental pass for one stored alert.
type AlertCorrelator interface {
	CorrelateAlert(ctx context.Context, a *alerts.Alert) (incidents.PassResult, error)
}

// Decider decides the open incidents among ids.
type Decider interface {
	DecideAll(ctx context.Context, ids []string) int
}

// Delivery is one raw webhook call.
type Delivery struct {
	APIKey     string
	Signature  string
	Timestamp  string
	DeliveryID string
	Body       []byte
}

type Result struct {
	AlertID   string   `json:"alert_id,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Incidents []string `json:"incidents,omitempty"`
}

// RateLimitedError carries the wait before the tenant's bucket has a token.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return ratelimit.ErrRateLimited.Error()
}

func (e *RateLimitedError) Unwrap() error {
	return ratelimit.ErrRateLimited
}

type Pipeline struct {
	Guard      Authenticator
	Limiter    *ratelimit.Limiter
	Dedup      *guard.DedupIndex
	Alerts     alerts.Repository
	Correlator AlertCorrelator
	Decider    Decider
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

func NewPipeline(g Authenticator, lim *ratelimit.Limiter, dedup *guard.DedupIndex, store alerts.Repository, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		Guard:   g,
		Limiter: lim,
		Dedup:   dedup,
		Alerts:  store,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ingest authenticates, rate limits, validates and stores one delivery, then
// correlates and decides when the tenant has those enabled. Failures after
// the alert is stored are logged and never undo the store.
func (p *Pipeline) Ingest(ctx context.Context, d Delivery) (Result, error) {
	t, err := p.Guard.Authenticate(ctx, guard.Request{
		APIKey:    d.APIKey,
		Signature: d.Signature,
		Timestamp: d.Timestamp,
		Body:      d.Body,
	})
	if err != nil {
		p.Metrics.WebhookRejected(apperr.CodeOf(err))
		return Result{}, err
	}

	if p.Limiter != nil {
		if dec := p.Limiter.Allow(t.ID, t.RateLimit); !dec.Allowed {
			p.Metrics.WebhookRejected("rate_limited")
			return Result{}, &RateLimitedError{RetryAfter: dec.RetryAfter}
		}
	}

	var payload alerts.Payload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		p.Metrics.WebhookRejected("invalid_json")
		return Result{}, apperr.Validation("invalid_json", "invalid JSON body: "+err.Error())
	}
	payload, err = payload.Normalize()
	if err != nil {
		p.Metrics.WebhookRejected(apperr.CodeOf(err))
		return Result{}, err
	}

	if d.DeliveryID != "" && p.Dedup != nil && !p.Dedup.Claim(t.ID, d.DeliveryID) {
		return p.duplicate(t.ID, d.DeliveryID), nil
	}

	a := &alerts.Alert{
		ID:         uuid.NewString(),
		TenantID:   t.ID,
		AssetName:  payload.AssetName,
		Signature:  payload.Signature,
		Severity:   alerts.Severity(payload.Severity),
		Message:    payload.Message,
		ToolSource: payload.ToolSource,
		ReceivedAt: p.Now(),
		DeliveryID: d.DeliveryID,
	}
	entry := audit.New(t.ID, audit.ActionAlertReceived, audit.ActorSystem, "alert", a.ID).
		With("asset_name", a.AssetName).
		With("signature", a.Signature).
		With("severity", string(a.Severity)).
		With("tool_source", a.ToolSource)
	if a.DeliveryID != "" {
		entry.With("delivery_id", a.DeliveryID)
	}
	if err := p.Alerts.Insert(ctx, a, entry); err != nil {
		if errors.Is(err, alerts.ErrDuplicateDelivery) {
			return p.duplicate(t.ID, d.DeliveryID), nil
		}
		if d.DeliveryID != "" && p.Dedup != nil {
			p.Dedup.Release(t.ID, d.DeliveryID)
		}
		return Result{}, fmt.Errorf("store alert: %w", err)
	}
	p.Metrics.AlertIngested(t.ID)
	p.Logger.Debug("alert received", "company", t.ID, "alert", a.ID, "asset", a.AssetName, "signature", a.Signature)

	res := Result{AlertID: a.ID}
	if !t.Correlation.AutoCorrelate || p.Correlator == nil {
		return res, nil
	}
	pass, err := p.Correlator.CorrelateAlert(ctx, a)
	if err != nil {
		p.Logger.Error("correlate alert", "company", t.ID, "alert", a.ID, "err", err)
	}
	res.Incidents = pass.Touched()
	if t.Correlation.AutoDecide && p.Decider != nil && len(res.Incidents) > 0 {
		p.Decider.DecideAll(ctx, res.Incidents)
	}
	return res, nil
}

func (p *Pipeline) duplicate(tenantID, deliveryID string) Result {
	p.Metrics.DuplicateDelivery(tenantID)
	p.Logger.Info("duplicate ignored", "company", tenantID, "delivery_id", deliveryID)
	return Result{Duplicate: true}
}
