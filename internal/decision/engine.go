package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Songmu/retry"

	"opsgate/internal/approvals"
	"opsgate/internal/audit"
	"opsgate/internal/bus"
	"opsgate/internal/incidents"
	"opsgate/internal/metrics"
)

// ApprovalOpener parks an incident behind a human approval.
type ApprovalOpener interface {
	Open(ctx context.Context, inc *incidents.Incident, runbookID string, risk approvals.RiskLevel, requestedBy string) (*approvals.Request, error)
}

// Outcome summarises what Decide did to an incident.
type Outcome struct {
	IncidentID string           `json:"incident_id"`
	Action     Action           `json:"action"`
	Status     incidents.Status `json:"status"`
	RunbookID  string           `json:"runbook_id,omitempty"`
	ApprovalID string           `json:"approval_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

type Engine struct {
	Incidents incidents.Repository
	Provider  Provider
	Runbooks  Catalog
	Executor  Executor
	Approvals ApprovalOpener
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Publisher bus.Publisher

	ProviderTimeout time.Duration
	ExecTimeout     time.Duration
	Now             func() time.Time

	retries   uint
	retryWait time.Duration
}

func NewEngine(store incidents.Repository, provider Provider, runbooks Catalog, exec Executor, gate ApprovalOpener, logger *slog.Logger) *Engine {
	return &Engine{
		Incidents:       store,
		Provider:        provider,
		Runbooks:        runbooks,
		Executor:        exec,
		Approvals:       gate,
		Logger:          logger,
		Publisher:       bus.Nop{},
		ProviderTimeout: 5 * time.Second,
		ExecTimeout:     30 * time.Second,
		Now:             func() time.Time { return time.Now().UTC() },
		retries:         5,
		retryWait:       20 * time.Millisecond,
	}
}

// Decide routes an open incident: auto-remediation for low-risk
// auto-approved runbooks, an approval request for anything riskier, or a
// technician assignment. Provider failures fail open to assignment.
func (e *Engine) Decide(ctx context.Context, incidentID, actor string) (Outcome, error) {
	inc, err := e.Incidents.Get(ctx, incidentID)
	if err != nil {
		return Outcome{}, err
	}
	if inc.Status != incidents.StatusOpen {
		return Outcome{}, ErrNotOpen
	}

	rec, err := e.recommend(ctx, inc)
	if err != nil {
		e.Metrics.ProviderFailure()
		e.Logger.Warn("decision provider failed, assigning to technician", "incident", inc.ID, "err", err)
		return e.assign(ctx, inc, ActionAssign, "", "provider_error: "+err.Error(), actor)
	}

	switch rec.Action {
	case ActionEscalate:
		return e.assign(ctx, inc, ActionEscalate, "", "escalated: "+rec.Reason, actor)
	case ActionAssign:
		return e.assign(ctx, inc, ActionAssign, rec.Technician, rec.Reason, actor)
	case ActionAutoRemediate:
		rb, ok := e.Runbooks.Lookup(rec.RunbookID)
		if !ok {
			e.Logger.Warn("recommended runbook unknown, assigning to technician", "incident", inc.ID, "runbook", rec.RunbookID)
			return e.assign(ctx, inc, ActionAssign, "", "unknown_runbook: "+rec.RunbookID, actor)
		}
		if rb.AutoExecutable() {
			return e.autoRemediate(ctx, inc, rb, rec.Reason, actor)
		}
		return e.requestApproval(ctx, inc, rb, rec.Reason, actor)
	default:
		e.Logger.Warn("provider returned unknown action, assigning to technician", "incident", inc.ID, "action", rec.Action)
		return e.assign(ctx, inc, ActionAssign, "", "invalid_action: "+string(rec.Action), actor)
	}
}

func (e *Engine) recommend(ctx context.Context, inc *incidents.Incident) (Recommendation, error) {
	if e.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ProviderTimeout)
		defer cancel()
	}
	type result struct {
		rec Recommendation
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := e.Provider.Decide(ctx, SnapshotOf(inc))
		done <- result{rec, err}
	}()
	select {
	case r := <-done:
		return r.rec, r.err
	case <-ctx.Done():
		return Recommendation{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	}
}

// assign moves the incident to a technician queue. An empty technician
// leaves it unassigned within the company.
func (e *Engine) assign(ctx context.Context, inc *incidents.Incident, action Action, technician, reason, actor string) (Outcome, error) {
	inc.SetStatus(incidents.StatusAssigned, e.Now())
	inc.AssignedTo = technician
	entry := audit.New(inc.TenantID, audit.ActionIncidentAssigned, actor, "incident", inc.ID).
		With("decision", string(action)).
		With("reason", reason)
	if technician != "" {
		entry.With("technician", technician)
	}
	if err := e.Incidents.Update(ctx, inc, entry); err != nil {
		return Outcome{}, err
	}
	e.Metrics.Decision(string(action))
	bus.Emit(e.Publisher, e.Logger, bus.SubjectIncidentAssigned, inc)
	e.Logger.Info("incident assigned", "incident", inc.ID, "technician", technician, "reason", reason)
	return Outcome{
		IncidentID: inc.ID,
		Action:     action,
		Status:     inc.Status,
		Reason:     reason,
	}, nil
}

func (e *Engine) autoRemediate(ctx context.Context, inc *incidents.Incident, rb Runbook, reason, actor string) (Outcome, error) {
	inc.SetStatus(incidents.StatusAutoRemediating, e.Now())
	inc.RunbookID = rb.ID
	entry := audit.New(inc.TenantID, audit.ActionRemediationStarted, actor, "incident", inc.ID).
		With("runbook_id", rb.ID).
		With("risk_level", string(rb.RiskLevel))
	if err := e.Incidents.Update(ctx, inc, entry); err != nil {
		return Outcome{}, err
	}
	e.Metrics.Decision(string(ActionAutoRemediate))
	if err := e.Remediate(ctx, inc, rb.ID, actor); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		IncidentID: inc.ID,
		Action:     ActionAutoRemediate,
		Status:     inc.Status,
		RunbookID:  rb.ID,
		Reason:     reason,
	}, nil
}

func (e *Engine) requestApproval(ctx context.Context, inc *incidents.Incident, rb Runbook, reason, actor string) (Outcome, error) {
	req, err := e.Approvals.Open(ctx, inc, rb.ID, rb.RiskLevel, actor)
	if err != nil {
		return Outcome{}, err
	}
	e.Metrics.Decision("approval_requested")
	return Outcome{
		IncidentID: inc.ID,
		Action:     ActionAutoRemediate,
		Status:     inc.Status,
		RunbookID:  rb.ID,
		ApprovalID: req.ID,
		Reason:     reason,
	}, nil
}

// Remediate executes runbookID for an incident already in auto_remediating
// and records the outcome: resolved on success, assigned on failure. inc is
// updated in place.
func (e *Engine) Remediate(ctx context.Context, inc *incidents.Incident, runbookID, actor string) error {
	if inc.Status != incidents.StatusAutoRemediating {
		return incidents.ErrInvalidTransition
	}
	execCtx := ctx
	if e.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.ExecTimeout)
		defer cancel()
	}
	res, err := e.Executor.Execute(execCtx, runbookID, inc.AssetName)
	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}

	entry := audit.New(inc.TenantID, audit.ActionRunbookExecuted, actor, "incident", inc.ID).
		With("runbook_id", runbookID)
	if res.Output != "" {
		entry.With("output", res.Output)
	}
	next := incidents.StatusResolved
	if !res.Success {
		next = incidents.StatusAssigned
		entry.With("error", res.Error).Failed()
	}
	if err := e.recordOutcome(ctx, inc, next, entry); err != nil {
		return fmt.Errorf("record runbook outcome: %w", err)
	}

	if res.Success {
		e.Metrics.Remediation("success")
		e.Logger.Info("runbook executed", "incident", inc.ID, "runbook", runbookID)
		return nil
	}
	e.Metrics.Remediation("failure")
	e.Logger.Warn("runbook failed, assigning to technician", "incident", inc.ID, "runbook", runbookID, "err", res.Error)
	bus.Emit(e.Publisher, e.Logger, bus.SubjectRemediationFailed, map[string]any{
		"incident_id": inc.ID,
		"company_id":  inc.TenantID,
		"runbook_id":  runbookID,
		"error":       res.Error,
	})
	return nil
}

// recordOutcome moves inc out of auto_remediating. Alerts joining or a
// rescore while the runbook ran bump the version, so on a conflict the
// incident is re-read and the write retried while it is still remediating.
func (e *Engine) recordOutcome(ctx context.Context, inc *incidents.Incident, next incidents.Status, entry *audit.Entry) error {
	cur := inc.Clone()
	var fatal error
	err := retry.Retry(e.retries, e.retryWait, func() error {
		cur.SetStatus(next, e.Now())
		err := e.Incidents.Update(ctx, cur, entry)
		if !errors.Is(err, incidents.ErrConflict) {
			fatal = err
			return nil
		}
		fresh, gerr := e.Incidents.Get(ctx, inc.ID)
		if gerr != nil {
			fatal = gerr
			return nil
		}
		if fresh.Status != incidents.StatusAutoRemediating {
			fatal = incidents.ErrInvalidTransition
			return nil
		}
		e.Logger.Debug("incident changed during remediation, retrying", "incident", inc.ID)
		cur = fresh
		return err
	})
	if err != nil {
		return err
	}
	if fatal != nil {
		return fatal
	}
	*inc = *cur
	return nil
}

// DecidePending decides every open incident of the tenant and returns how
// many were decided.
func (e *Engine) DecidePending(ctx context.Context, tenantID string) (int, error) {
	open, err := e.Incidents.List(ctx, incidents.ListFilter{
		TenantID: tenantID,
		Statuses: []incidents.Status{incidents.StatusOpen},
		Limit:    500,
	})
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(open))
	for i := range open {
		ids[i] = open[i].ID
	}
	return e.DecideAll(ctx, ids), nil
}

// DecideAll decides each incident that is still open. Failures are logged.
func (e *Engine) DecideAll(ctx context.Context, ids []string) int {
	decided := 0
	for _, id := range ids {
		_, err := e.Decide(ctx, id, audit.ActorSystem)
		switch {
		case err == nil:
			decided++
		case errors.Is(err, ErrNotOpen), errors.Is(err, incidents.ErrConflict):
		default:
			e.Logger.Error("decide incident", "incident", id, "err", err)
		}
	}
	return decided
}
