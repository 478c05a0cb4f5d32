package approvals

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsgate/internal/audit"
	"opsgate/internal/bus"
	"opsgate/internal/incidents"
	"opsgate/internal/metrics"
)

// Authorizer decides whether a role may approve a given risk level.
type Authorizer interface {
	CanApprove(role, risk string) bool
}

// Remediator runs the approved runbook for an incident already moved to
// auto_remediating and records the outcome on inc.
type Remediator interface {
	Remediate(ctx context.Context, inc *incidents.Incident, runbookID, actor string) error
}

// Approver identifies the human deciding a request.
type Approver struct {
	Username string
	Role     string
}

type Gate struct {
	Store      Repository
	Incidents  incidents.Repository
	Authorizer Authorizer
	Remediator Remediator
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Publisher  bus.Publisher
	TTL        time.Duration
	Now        func() time.Time
}

func NewGate(store Repository, incs incidents.Repository, authz Authorizer, ttl time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		Store:      store,
		Incidents:  incs,
		Authorizer: authz,
		Logger:     logger,
		Publisher:  bus.Nop{},
		TTL:        ttl,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Open creates a pending request for runbookID and moves the open incident
// to pending_approval in the same transaction. Nothing is executed.
func (g *Gate) Open(ctx context.Context, inc *incidents.Incident, runbookID string, risk RiskLevel, requestedBy string) (*Request, error) {
	if !incidents.CanTransition(inc.Status, incidents.StatusPendingApproval) {
		return nil, incidents.ErrInvalidTransition
	}
	now := g.Now()
	req := &Request{
		ID:          uuid.NewString(),
		TenantID:    inc.TenantID,
		IncidentID:  inc.ID,
		RunbookID:   runbookID,
		RiskLevel:   risk,
		RequestedBy: requestedBy,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.TTL),
	}
	inc.SetStatus(incidents.StatusPendingApproval, now)
	inc.RunbookID = runbookID
	entry := audit.New(inc.TenantID, audit.ActionApprovalRequested, requestedBy, "approval_request", req.ID).
		With("incident_id", inc.ID).
		With("runbook_id", runbookID).
		With("risk_level", string(risk)).
		With("expires_at", req.ExpiresAt)
	if err := g.Store.Open(ctx, req, inc, entry); err != nil {
		return nil, err
	}
	g.Logger.Info("approval requested", "id", req.ID, "incident", inc.ID, "runbook", runbookID, "risk", risk)
	bus.Emit(g.Publisher, g.Logger, bus.SubjectApprovalRequested, req)
	return req, nil
}

func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	return g.Store.Get(ctx, id)
}

func (g *Gate) List(ctx context.Context, f ListFilter) ([]Request, error) {
	return g.Store.List(ctx, f)
}

// pending loads the request and runs the checks shared by approve and
// reject: still pending, authorized, not yet expired by time.
func (g *Gate) pending(ctx context.Context, id string, by Approver) (*Request, error) {
	req, err := g.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, ErrAlreadyDecided
	}
	if g.Authorizer != nil && !g.Authorizer.CanApprove(by.Role, string(req.RiskLevel)) {
		return nil, ErrNotAuthorized
	}
	if req.Due(g.Now()) {
		if err := g.expire(ctx, req); err != nil && !errors.Is(err, ErrAlreadyDecided) {
			return nil, err
		}
		return nil, ErrExpired
	}
	return req, nil
}

// Approve grants the request, moves the incident to auto_remediating and
// then runs the runbook through the Remediator.
func (g *Gate) Approve(ctx context.Context, id string, by Approver, notes string) (*Request, error) {
	req, err := g.pending(ctx, id, by)
	if err != nil {
		return nil, err
	}
	inc, err := g.Incidents.Get(ctx, req.IncidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status != incidents.StatusPendingApproval {
		return nil, incidents.ErrInvalidTransition
	}

	now := g.Now()
	req.decide(StatusApproved, by.Username, notes, now)
	inc.SetStatus(incidents.StatusAutoRemediating, now)
	entry := audit.New(req.TenantID, audit.ActionApprovalGranted, by.Username, "approval_request", req.ID).
		With("incident_id", req.IncidentID).
		With("runbook_id", req.RunbookID).
		With("risk_level", string(req.RiskLevel))
	if notes != "" {
		entry.With("notes", notes)
	}
	if err := g.Store.Resolve(ctx, req, inc, entry); err != nil {
		return nil, err
	}
	g.Metrics.Approval(string(StatusApproved))
	g.Logger.Info("approval granted", "id", req.ID, "incident", inc.ID, "by", by.Username)

	if g.Remediator != nil {
		if err := g.Remediator.Remediate(ctx, inc, req.RunbookID, by.Username); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Reject declines the request and hands the incident to a technician.
// A reason is mandatory.
func (g *Gate) Reject(ctx context.Context, id string, by Approver, notes string) (*Request, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, ErrNotesRequired
	}
	req, err := g.pending(ctx, id, by)
	if err != nil {
		return nil, err
	}
	now := g.Now()
	req.decide(StatusRejected, by.Username, notes, now)
	inc, err := g.revert(ctx, req, now)
	if err != nil {
		return nil, err
	}
	entry := audit.New(req.TenantID, audit.ActionApprovalRejected, by.Username, "approval_request", req.ID).
		With("incident_id", req.IncidentID).
		With("runbook_id", req.RunbookID).
		With("notes", notes)
	if err := g.Store.Resolve(ctx, req, inc, entry); err != nil {
		return nil, err
	}
	g.Metrics.Approval(string(StatusRejected))
	g.Logger.Info("approval rejected", "id", req.ID, "incident", req.IncidentID, "by", by.Username)
	if inc != nil {
		bus.Emit(g.Publisher, g.Logger, bus.SubjectIncidentAssigned, inc)
	}
	return req, nil
}

// ExpireDue expires every pending request past its deadline and returns
// how many it expired.
func (g *Gate) ExpireDue(ctx context.Context) (int, error) {
	due, err := g.Store.DuePending(ctx, g.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		err := g.expire(ctx, &due[i])
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrAlreadyDecided), errors.Is(err, incidents.ErrConflict):
		default:
			g.Logger.Error("expire approval request", "id", due[i].ID, "err", err)
		}
	}
	return expired, nil
}

func (g *Gate) expire(ctx context.Context, req *Request) error {
	now := g.Now()
	req.decide(StatusExpired, audit.ActorSystem, "", now)
	inc, err := g.revert(ctx, req, now)
	if err != nil {
		return err
	}
	entry := audit.New(req.TenantID, audit.ActionApprovalExpired, audit.ActorSystem, "approval_request", req.ID).
		With("incident_id", req.IncidentID).
		With("runbook_id", req.RunbookID).
		With("expired_at", req.ExpiresAt)
	if err := g.Store.Resolve(ctx, req, inc, entry); err != nil {
		return err
	}
	g.Metrics.Approval(string(StatusExpired))
	g.Logger.Info("approval expired", "id", req.ID, "incident", req.IncidentID)
	if inc != nil {
		bus.Emit(g.Publisher, g.Logger, bus.SubjectIncidentAssigned, inc)
	}
	return nil
}

// revert returns the incident moved back to assigned, or nil when it has
// already left pending_approval by other means.
func (g *Gate) revert(ctx context.Context, req *Request, now time.Time) (*incidents.Incident, error) {
	inc, err := g.Incidents.Get(ctx, req.IncidentID)
	if err != nil {
		if errors.Is(err, incidents.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if inc.Status != incidents.StatusPendingApproval {
		return nil, nil
	}
	inc.SetStatus(incidents.StatusAssigned, now)
	return inc, nil
}
