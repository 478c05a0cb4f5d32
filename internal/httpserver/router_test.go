package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsgate/internal/approvals"
	"opsgate/internal/auth"
	"opsgate/internal/decision"
	"opsgate/internal/guard"
	"opsgate/internal/httpserver"
	"opsgate/internal/incidents"
	"opsgate/internal/ingest"
	"opsgate/internal/logging"
	"opsgate/internal/memstore"
	"opsgate/internal/metrics"
	"opsgate/internal/ratelimit"
	"opsgate/internal/tenants"
)

const rulesYAML = `
runbooks:
  - id: reboot-host
    name: Reboot host
    risk_level: medium
rules:
  - id: hung
    match:
      signature: host_unresponsive
    action: auto_remediate
    runbook: reboot-host
`

type stack struct {
	router http.Handler
	execs  atomic.Int32
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()
	db := memstore.New()
	s := &stack{}

	for _, u := range []struct {
		name string
		role auth.Role
		co   string
	}{
		{"msp", auth.RoleMSPAdmin, ""},
		{"alice", auth.RoleCompanyAdmin, "acme"},
		{"tom", auth.RoleTechnician, "acme"},
		{"eve", auth.RoleCompanyAdmin, "globex"},
	} {
		_, err := auth.CreateUser(ctx, db.Users(), u.name, "pw-"+u.name, u.role, u.co)
		require.NoError(t, err)
	}
	for _, id := range []string{"acme", "globex"} {
		require.NoError(t, db.Tenants().Create(ctx, &tenants.Tenant{
			ID:          id,
			Name:        id,
			APIKeyHash:  tenants.HashAPIKey(id + "-key"),
			Correlation: tenants.DefaultCorrelationConfig(),
			RateLimit:   tenants.DefaultRateLimitConfig(),
		}, nil))
	}

	execSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.execs.Add(1)
		_ = json.NewEncoder(w).Encode(decision.ExecutionResult{Success: true, Output: "rebooted"})
	}))
	t.Cleanup(execSrv.Close)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tenantSvc := tenants.NewService(db.Tenants(), time.Minute, logger)
	rules, err := decision.ParseRules([]byte(rulesYAML))
	require.NoError(t, err)

	correlator := incidents.NewCorrelator(db.Incidents(), db.Alerts(), tenantSvc, logger)
	correlator.Metrics = m
	gate := approvals.NewGate(db.Approvals(), db.Incidents(), auth.ApprovalPolicy{}, 30*time.Minute, logger)
	engine := decision.NewEngine(db.Incidents(), decision.NewRulesProvider(rules), rules.Catalog(),
		decision.NewHTTPExecutor(execSrv.URL, time.Second, logger), gate, logger)
	engine.Metrics = m
	gate.Remediator = engine

	pipeline := ingest.NewPipeline(guard.New(tenantSvc), ratelimit.New(), guard.NewDedupIndex(time.Hour), db.Alerts(), logger)
	pipeline.Correlator = correlator
	pipeline.Decider = engine
	pipeline.Metrics = m

	s.router = httpserver.NewRouter(httpserver.Deps{
		Logger:    logger,
		Auth:      auth.NewService(db.Users(), "test-secret"),
		Gatherer:  reg,
		Webhooks:  &ingest.WebhookHandler{Pipeline: pipeline, Logger: logger},
		Alerts:    db.Alerts(),
		Incidents: db.Incidents(),
		Runner:    &ingest.TenantPass{Correlator: correlator, Tenants: tenantSvc, Decider: engine},
		Engine:    engine,
		Gate:      gate,
		Audit:     db.Audit(),
		Tenants:   tenantSvc,
	})
	return s
}

func (s *stack) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *stack) login(t *testing.T, user string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": user, "password": "pw-" + user})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Token
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(t, http.MethodPost, "/webhooks/alerts?api_key=acme-key", "", map[string]string{
		"asset_name": "web-01", "signature": "cpu_high", "severity": "low", "message": "cpu",
	})
	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "opsgate_alerts_ingested_total")
}

func TestManagementRoutesRequireToken(t *testing.T) {
	s := newStack(t)
	for _, path := range []string{"/incidents", "/alerts", "/audit-logs", "/approval-requests", "/companies/acme/rate-limit"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "tom", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookToApprovedRemediation(t *testing.T) {
	s := newStack(t)
	alert := map[string]string{
		"asset_name": "srv-9", "signature": "host_unresponsive", "severity": "high", "message": "no heartbeat",
	}
	rec := s.do(t, http.MethodPost, "/webhooks/alerts?api_key=acme-key", "", alert)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Incidents, 1)
	incidentID := res.Incidents[0]

	tom := s.login(t, "tom")
	rec = s.do(t, http.MethodGet, "/incidents/"+incidentID, tom, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inc incidents.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inc))
	assert.Equal(t, incidents.StatusPendingApproval, inc.Status)
	assert.Zero(t, s.execs.Load())

	rec = s.do(t, http.MethodGet, "/approval-requests?status=pending", tom, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []approvals.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	reqID := pending[0].ID

	// Medium risk needs an admin; other companies cannot see the request.
	rec = s.do(t, http.MethodPost, "/approval-requests/"+reqID+"/approve", tom, map[string]string{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodPost, "/approval-requests/"+reqID+"/approve", s.login(t, "eve"), map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	alice := s.login(t, "alice")
	rec = s.do(t, http.MethodPost, "/approval-requests/"+reqID+"/approve", alice, map[string]string{"notes": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, s.execs.Load())

	rec = s.do(t, http.MethodPost, "/approval-requests/"+reqID+"/reject", alice, map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/incidents/"+incidentID, alice, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inc))
	assert.Equal(t, incidents.StatusResolved, inc.Status)

	rec = s.do(t, http.MethodGet, "/audit-logs?resource_id="+incidentID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runbook_executed"`)

	rec = s.do(t, http.MethodGet, "/incidents/"+incidentID, s.login(t, "eve"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualCorrelationAndDecision(t *testing.T) {
	s := newStack(t)
	alice := s.login(t, "alice")

	rec := s.do(t, http.MethodPut, "/companies/acme/correlation-config", alice, map[string]any{
		"aggregation_key_pattern": "asset|signature",
		"time_window_minutes":     10,
		"min_alerts_for_incident": 1,
		"auto_correlate":          false,
		"auto_decide":             false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for i := 0; i < 3; i++ {
		rec = s.do(t, http.MethodPost, "/webhooks/alerts?api_key=acme-key", "", map[string]string{
			"asset_name": "web-01", "signature": "disk_full", "severity": "medium", "message": "disk",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/incidents/correlate", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"created":1,"updated":0}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/incidents?status=open", alice, nil)
	var list []incidents.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Len(t, list[0].AlertIDs, 3)

	rec = s.do(t, http.MethodPost, "/incidents/"+list[0].ID+"/decide", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out decision.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, decision.ActionAssign, out.Action)
	assert.Equal(t, incidents.StatusAssigned, out.Status)

	rec = s.do(t, http.MethodPatch, "/incidents/"+list[0].ID, alice, map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
