package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"opsgate/internal/alerts"
	"opsgate/internal/approvals"
	"opsgate/internal/audit"
	"opsgate/internal/auth"
	"opsgate/internal/bus"
	"opsgate/internal/config"
	"opsgate/internal/db"
	"opsgate/internal/decision"
	"opsgate/internal/guard"
	"opsgate/internal/httpserver"
	"opsgate/internal/incidents"
	"opsgate/internal/ingest"
	"opsgate/internal/memstore"
	"opsgate/internal/metrics"
	"opsgate/internal/ratelimit"
	"opsgate/internal/scheduler"
	"opsgate/internal/tenants"
)

type stores struct {
	alerts    alerts.Repository
	incidents incidents.Repository
	approvals approvals.Repository
	audit     audit.Reader
	tenants   tenants.Repository
	users     auth.UserStore
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Store == "memory" {
		mem := memstore.New()
		logger.Warn("using the in-memory store; state is lost on restart")
		return &stores{
			alerts:    mem.Alerts(),
			incidents: mem.Incidents(),
			approvals: mem.Approvals(),
			audit:     mem.Audit(),
			tenants:   mem.Tenants(),
			users:     mem.Users(),
			close:     func() {},
		}, nil
	}
	conn, err := db.Open(ctx, cfg.DBDSN, db.DefaultPool, logger)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.RunMigrations(ctx, conn, cfg.SchemaDir); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return pgStores(conn), nil
}

func pgStores(conn *sql.DB) *stores {
	return &stores{
		alerts:    alerts.NewStore(conn),
		incidents: incidents.NewStore(conn),
		approvals: approvals.NewStore(conn),
		audit:     audit.NewStore(conn),
		tenants:   tenants.NewStore(conn),
		users:     auth.NewStore(conn),
		close:     func() { conn.Close() },
	}
}

func runMigrate(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(ctx, cfg.DBDSN, db.DefaultPool, logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer conn.Close()
	if err := db.RunMigrations(ctx, conn, cfg.SchemaDir); err != nil {
		return err
	}
	logger.Info("schema applied", "dir", cfg.SchemaDir)
	return nil
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if err := auth.SeedFromFile(ctx, st.users, cfg.UsersPath); err != nil {
		logger.Warn("seed users", "path", cfg.UsersPath, "err", err)
	}
	authSvc := auth.NewService(st.users, cfg.JWTSecret)

	tenantSvc := tenants.NewService(st.tenants, cfg.TenantTTL, logger)
	tenantSvc.Start()
	defer tenantSvc.Stop()
	if n, err := tenantSvc.SeedFromFile(ctx, cfg.TenantsPath); err != nil {
		logger.Warn("seed tenants", "path", cfg.TenantsPath, "err", err)
	} else if n > 0 {
		logger.Info("tenants seeded", "count", n)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var publisher bus.Publisher = bus.Nop{}
	if cfg.NATSURL != "" {
		nats, err := bus.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nats.Close()
		publisher = nats
	}

	rules, err := decision.LoadRules(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	var provider decision.Provider = decision.NewRulesProvider(rules)
	if cfg.Decision.Provider == "external" {
		provider = decision.NewExternalProvider(cfg.Decision.ExternalURL, cfg.Decision.Timeout, logger)
	}
	var executor decision.Executor = decision.UnconfiguredExecutor{}
	if cfg.Executor.URL != "" {
		executor = decision.NewHTTPExecutor(cfg.Executor.URL, cfg.Executor.Timeout, logger)
	} else {
		logger.Warn("no runbook executor configured; remediations will fall back to technicians")
	}

	correlator := incidents.NewCorrelator(st.incidents, st.alerts, tenantSvc, logger.With("component", "correlator"))
	correlator.Metrics = m
	correlator.Publisher = publisher
	correlator.Lookback = cfg.Correlation.Lookback

	gate := approvals.NewGate(st.approvals, st.incidents, auth.ApprovalPolicy{}, cfg.Approval.TTL, logger.With("component", "approvals"))
	gate.Metrics = m
	gate.Publisher = publisher

	engine := decision.NewEngine(st.incidents, provider, rules.Catalog(), executor, gate, logger.With("component", "decision"))
	engine.Metrics = m
	engine.Publisher = publisher
	engine.ProviderTimeout = cfg.Decision.Timeout
	engine.ExecTimeout = cfg.Executor.Timeout
	gate.Remediator = engine

	dedup := guard.NewDedupIndex(cfg.Dedup.Window)
	dedup.Start()
	defer dedup.Stop()

	pipeline := ingest.NewPipeline(guard.New(tenantSvc), ratelimit.New(), dedup, st.alerts, logger.With("component", "ingest"))
	pipeline.Correlator = correlator
	pipeline.Decider = engine
	pipeline.Metrics = m

	pass := &ingest.TenantPass{Correlator: correlator, Tenants: tenantSvc, Decider: engine}

	jobs := scheduler.NewRegistry(logger, 5*time.Minute)
	defer jobs.Stop()
	planner := &jobPlanner{
		Jobs:       jobs,
		Tenants:    tenantSvc,
		Pass:       pass,
		Correlator: correlator,
		Engine:     engine,
		Gate:       gate,
		Interval:   cfg.Scheduler.Interval,
		Logger:     logger,
	}
	if err := planner.Reconcile(ctx); err != nil {
		logger.Error("schedule jobs", "err", err)
	}
	jobs.Schedule("tenants:reconcile", time.Minute, planner.Reconcile)

	handler := httpserver.NewRouter(httpserver.Deps{
		Logger:    logger,
		Auth:      authSvc,
		Gatherer:  reg,
		Webhooks:  &ingest.WebhookHandler{Pipeline: pipeline, Logger: logger},
		Alerts:    st.alerts,
		Incidents: st.incidents,
		Runner:    pass,
		Engine:    engine,
		Gate:      gate,
		Audit:     st.audit,
		Tenants:   tenantSvc,
	})
	server := httpserver.New(cfg.HTTPAddr, handler, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	return nil
}
