package main

import (
	"context"
	"log/slog"
	"time"

	"opsgate/internal/approvals"
	"opsgate/internal/decision"
	"opsgate/internal/incidents"
	"opsgate/internal/ingest"
	"opsgate/internal/scheduler"
	"opsgate/internal/tenants"
)

const backlogFactor = 5

// jobPlanner keeps the per-company jobs in line with each company's
// automation settings.
type jobPlanner struct {
	Jobs       *scheduler.Registry
	Tenants    *tenants.Service
	Pass       *ingest.TenantPass
	Correlator *incidents.Correlator
	Engine     *decision.Engine
	Gate       *approvals.Gate
	Interval   time.Duration
	Logger     *slog.Logger
}

func (p *jobPlanner) Reconcile(ctx context.Context) error {
	list, err := p.Tenants.List(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, t := range list {
		id := t.ID
		seen["correlate:"+id] = true
		seen["decide:"+id] = t.Correlation.AutoDecide
		seen["rescore:"+id] = true

		// Companies without auto_correlate still get a slower backlog pass.
		every := p.Interval
		if !t.Correlation.AutoCorrelate {
			every *= backlogFactor
		}
		p.Jobs.Schedule("correlate:"+id, every, func(ctx context.Context) error {
			_, err := p.Pass.CorrelateTenant(ctx, id)
			return err
		})
		if t.Correlation.AutoDecide {
			p.Jobs.Schedule("decide:"+id, p.Interval, func(ctx context.Context) error {
				_, err := p.Engine.DecidePending(ctx, id)
				return err
			})
		}
		p.Jobs.Schedule("rescore:"+id, time.Minute, func(ctx context.Context) error {
			n, err := p.Correlator.Rescore(ctx, id)
			if n > 0 {
				p.Logger.Debug("priorities rescored", "company", id, "changed", n)
			}
			return err
		})
	}
	for _, prefix := range []string{"correlate:", "decide:", "rescore:"} {
		for _, name := range p.Jobs.Names(prefix) {
			if !seen[name] {
				p.Jobs.Unschedule(name)
			}
		}
	}
	p.Jobs.Schedule("approvals:expire", p.Interval, func(ctx context.Context) error {
		_, err := p.Gate.ExpireDue(ctx)
		return err
	})
	return nil
}
