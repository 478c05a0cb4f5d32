package ingest

import (
	"context"

	"opsgate/internal/incidents"
	"opsgate/internal/tenants"
)

// TenantPass is the batch correlation pass used by the scheduler and the
// operator API. Incidents it touches are decided when the tenant auto-decides.
type TenantPass struct {
	Correlator *incidents.Correlator
	Tenants    interface {
		Snapshot(ctx context.Context, id string) (tenants.Tenant, error)
	}
	Decider Decider
}

func (b *TenantPass) CorrelateTenant(ctx context.Context, tenantID string) (incidents.PassResult, error) {
	res, err := b.Correlator.CorrelateTenant(ctx, tenantID)
	if err != nil {
		return res, err
	}
	if b.Decider == nil || len(res.Created)+len(res.Updated) == 0 {
		return res, nil
	}
	t, err := b.Tenants.Snapshot(ctx, tenantID)
	if err != nil {
		return res, err
	}
	if t.Correlation.AutoDecide {
		b.Decider.DecideAll(ctx, res.Touched())
	}
	return res, nil
}
