// Package memstore keeps every repository in process memory behind one lock,
// so a state change and its audit entry are always applied together. It
// backs `store: memory` and the package tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsgate/internal/alerts"
	"opsgate/internal/apperr"
	"opsgate/internal/approvals"
	"opsgate/internal/audit"
	"opsgate/internal/auth"
	"opsgate/internal/incidents"
	"opsgate/internal/tenants"
)

var errTenantExists = apperr.Conflict("company_exists", "company already exists")

type DB struct {
	mu        sync.Mutex
	alerts    map[string]*alerts.Alert
	alertSeq  []string
	incidents map[string]*incidents.Incident
	requests  map[string]*approvals.Request
	audit     []audit.Entry
	tenants   map[string]*tenants.Tenant
	users     map[string]*auth.User
	nextUser  int64
}

func New() *DB {
	return &DB{
		alerts:    make(map[string]*alerts.Alert),
		incidents: make(map[string]*incidents.Incident),
		requests:  make(map[string]*approvals.Request),
		tenants:   make(map[string]*tenants.Tenant),
		users:     make(map[string]*auth.User),
	}
}

func (db *DB) Alerts() *Alerts       { return &Alerts{db: db} }
func (db *DB) Incidents() *Incidents { return &Incidents{db: db} }
func (db *DB) Approvals() *Approvals { return &Approvals{db: db} }
func (db *DB) Audit() *Audit         { return &Audit{db: db} }
func (db *DB) Tenants() *Tenants     { return &Tenants{db: db} }
func (db *DB) Users() *Users         { return &Users{db: db} }

// appendAudit must be called with db.mu held.
func (db *DB) appendAudit(e *audit.Entry) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	cp.Details = make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	db.audit = append(db.audit, cp)
}

type Alerts struct{ db *DB }

func (s *Alerts) Insert(_ context.Context, a *alerts.Alert, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now().UTC()
	}
	if a.DeliveryID != "" {
		for _, existing := range s.db.alerts {
			if existing.TenantID == a.TenantID && existing.DeliveryID == a.DeliveryID {
				return alerts.ErrDuplicateDelivery
			}
		}
	}
	cp := *a
	s.db.alerts[a.ID] = &cp
	s.db.alertSeq = append(s.db.alertSeq, a.ID)
	s.db.appendAudit(entry)
	return nil
}

func (s *Alerts) Get(_ context.Context, id string) (*alerts.Alert, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.alerts[id]
	if !ok {
		return nil, alerts.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ordered returns alerts oldest first, receipt ties broken by insertion.
func (s *Alerts) ordered(match func(*alerts.Alert) bool) []alerts.Alert {
	var res []alerts.Alert
	for _, id := range s.db.alertSeq {
		a := s.db.alerts[id]
		if match(a) {
			res = append(res, *a)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].ReceivedAt.Before(res[j].ReceivedAt) })
	return res
}

func (s *Alerts) List(_ context.Context, f alerts.Filter) ([]alerts.Alert, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	res := s.ordered(func(a *alerts.Alert) bool { return f.Match(*a) })
	slices.Reverse(res)
	if limit := f.EffectiveLimit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *Alerts) ListUncorrelated(_ context.Context, tenantID string, since time.Time) ([]alerts.Alert, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.ordered(func(a *alerts.Alert) bool {
		return a.TenantID == tenantID && !a.Correlated() && !a.ReceivedAt.Before(since)
	}), nil
}

type Incidents struct{ db *DB }

// claim must be called with db.mu held. It checks every alert before
// touching any, so a conflict leaves no partial claim behind.
func (s *Incidents) claim(tenantID, incidentID string, ids []string) error {
	for _, id := range ids {
		a, ok := s.db.alerts[id]
		if !ok || a.TenantID != tenantID || a.Correlated() {
			return incidents.ErrConflict
		}
	}
	for _, id := range ids {
		s.db.alerts[id].CorrelatedIncidentID = incidentID
	}
	return nil
}

// checkVersion must be called with db.mu held.
func (s *Incidents) checkVersion(inc *incidents.Incident) error {
	cur, ok := s.db.incidents[inc.ID]
	if !ok {
		return incidents.ErrNotFound
	}
	if cur.Version != inc.Version || cur.Status == incidents.StatusResolved {
		return incidents.ErrConflict
	}
	return nil
}

// store must be called with db.mu held.
func (s *Incidents) store(inc *incidents.Incident) {
	inc.Version++
	s.db.incidents[inc.ID] = inc.Clone()
}

func (s *Incidents) Create(_ context.Context, inc *incidents.Incident, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.incidents[inc.ID]; ok {
		return incidents.ErrConflict
	}
	if err := s.claim(inc.TenantID, inc.ID, inc.AlertIDs); err != nil {
		return err
	}
	inc.Version = 1
	s.db.incidents[inc.ID] = inc.Clone()
	s.db.appendAudit(entry)
	return nil
}

func (s *Incidents) Append(_ context.Context, inc *incidents.Incident, alertIDs []string, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.checkVersion(inc); err != nil {
		return err
	}
	if err := s.claim(inc.TenantID, inc.ID, alertIDs); err != nil {
		return err
	}
	s.store(inc)
	s.db.appendAudit(entry)
	return nil
}

func (s *Incidents) Update(_ context.Context, inc *incidents.Incident, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.checkVersion(inc); err != nil {
		return err
	}
	s.store(inc)
	s.db.appendAudit(entry)
	return nil
}

func (s *Incidents) Get(_ context.Context, id string) (*incidents.Incident, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inc, ok := s.db.incidents[id]
	if !ok {
		return nil, incidents.ErrNotFound
	}
	return inc.Clone(), nil
}

func (s *Incidents) ActiveByKey(ctx context.Context, tenantID, key string) ([]incidents.Incident, error) {
	return s.List(ctx, incidents.ListFilter{
		TenantID:       tenantID,
		AggregationKey: key,
		Statuses:       incidents.ActiveStatuses,
		Limit:          500,
	})
}

func (s *Incidents) List(_ context.Context, f incidents.ListFilter) ([]incidents.Incident, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var res []incidents.Incident
	for _, inc := range s.db.incidents {
		if f.Match(inc) {
			res = append(res, *inc.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].PriorityScore != res[j].PriorityScore {
			return res[i].PriorityScore > res[j].PriorityScore
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if limit := f.EffectiveLimit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

type Approvals struct{ db *DB }

func (s *Approvals) Open(_ context.Context, req *approvals.Request, inc *incidents.Incident, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	incs := &Incidents{db: s.db}
	if err := incs.checkVersion(inc); err != nil {
		return err
	}
	cp := *req
	s.db.requests[req.ID] = &cp
	incs.store(inc)
	s.db.appendAudit(entry)
	return nil
}

func (s *Approvals) Resolve(_ context.Context, req *approvals.Request, inc *incidents.Incident, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cur, ok := s.db.requests[req.ID]
	if !ok {
		return approvals.ErrNotFound
	}
	if cur.Status != approvals.StatusPending {
		return approvals.ErrAlreadyDecided
	}
	incs := &Incidents{db: s.db}
	if inc != nil {
		if err := incs.checkVersion(inc); err != nil {
			return err
		}
	}
	cp := *req
	s.db.requests[req.ID] = &cp
	if inc != nil {
		incs.store(inc)
	}
	s.db.appendAudit(entry)
	return nil
}

func (s *Approvals) Get(_ context.Context, id string) (*approvals.Request, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.requests[id]
	if !ok {
		return nil, approvals.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Approvals) List(_ context.Context, f approvals.ListFilter) ([]approvals.Request, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var res []approvals.Request
	for _, r := range s.db.requests {
		if f.Match(r) {
			res = append(res, *r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit := f.EffectiveLimit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *Approvals) DuePending(_ context.Context, now time.Time) ([]approvals.Request, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var res []approvals.Request
	for _, r := range s.db.requests {
		if r.Due(now) {
			res = append(res, *r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ExpiresAt.Before(res[j].ExpiresAt) })
	return res, nil
}

type Audit struct{ db *DB }

func (s *Audit) Append(_ context.Context, e *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.appendAudit(e)
	return nil
}

// List returns matching entries newest first.
func (s *Audit) List(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var res []audit.Entry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		if f.Match(s.db.audit[i]) {
			res = append(res, s.db.audit[i])
		}
		if len(res) == f.EffectiveLimit() {
			break
		}
	}
	return res, nil
}

type Tenants struct{ db *DB }

func (s *Tenants) Get(_ context.Context, id string) (*tenants.Tenant, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tenants[id]
	if !ok {
		return nil, tenants.ErrNotFound
	}
	cp := t.Clone()
	return &cp, nil
}

func (s *Tenants) GetByKeyHash(_ context.Context, hash string) (*tenants.Tenant, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.tenants {
		if t.APIKeyHash == hash {
			cp := t.Clone()
			return &cp, nil
		}
	}
	return nil, tenants.ErrNotFound
}

func (s *Tenants) List(_ context.Context) ([]tenants.Tenant, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	res := make([]tenants.Tenant, 0, len(s.db.tenants))
	for _, t := range s.db.tenants {
		res = append(res, t.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *Tenants) Create(_ context.Context, t *tenants.Tenant, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.tenants[t.ID]; ok {
		return errTenantExists
	}
	t.Version = 1
	t.UpdatedAt = time.Now().UTC()
	cp := t.Clone()
	s.db.tenants[t.ID] = &cp
	s.db.appendAudit(entry)
	return nil
}

func (s *Tenants) Update(_ context.Context, t *tenants.Tenant, entry *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cur, ok := s.db.tenants[t.ID]
	if !ok {
		return tenants.ErrNotFound
	}
	if cur.Version != t.Version {
		return tenants.ErrConflict
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	cp := t.Clone()
	s.db.tenants[t.ID] = &cp
	s.db.appendAudit(entry)
	return nil
}

type Users struct{ db *DB }

func (s *Users) GetByUsername(_ context.Context, username string) (*auth.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[username]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Users) Insert(_ context.Context, u *auth.User) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.users[u.Username]; ok {
		return apperr.Conflict("user_exists", "user already exists")
	}
	s.db.nextUser++
	u.ID = s.db.nextUser
	u.CreatedAt = time.Now().UTC()
	cp := *u
	s.db.users[u.Username] = &cp
	return nil
}
