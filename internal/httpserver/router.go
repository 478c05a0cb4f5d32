package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opsgate/internal/alerts"
	"opsgate/internal/approvals"
	"opsgate/internal/audit"
	"opsgate/internal/auth"
	"opsgate/internal/decision"
	"opsgate/internal/httpx"
	"opsgate/internal/incidents"
	"opsgate/internal/tenants"
)

// Deps is everything the router mounts.
type Deps struct {
	Logger    *slog.Logger
	Auth      *auth.Service
	Gatherer  prometheus.Gatherer
	Webhooks  http.Handler
	Alerts    alerts.Repository
	Incidents incidents.Repository
	Runner    incidents.PassRunner
	Engine    *decision.Engine
	Gate      *approvals.Gate
	Audit     audit.Reader
	Tenants   *tenants.Service
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/auth/login", (&auth.LoginHandler{Service: d.Auth, Logger: d.Logger}).ServeHTTP)
	r.Post("/webhooks/alerts", d.Webhooks.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(auth.JWTMiddleware(d.Auth))

		r.Get("/alerts", (&alerts.QueryHandler{Store: d.Alerts, Logger: d.Logger}).ServeHTTP)
		r.Get("/audit-logs", (&audit.Handler{Store: d.Audit, Logger: d.Logger}).ServeHTTP)
		(&incidents.Handler{Store: d.Incidents, Runner: d.Runner, Logger: d.Logger}).RegisterRoutes(r)
		(&decision.Handler{Engine: d.Engine, Logger: d.Logger}).RegisterRoutes(r)
		(&approvals.Handler{Gate: d.Gate, Logger: d.Logger}).RegisterRoutes(r)
		(&tenants.ConfigHandler{Service: d.Tenants, Logger: d.Logger}).RegisterRoutes(r)
	})

	return withCORS(r)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// withCORS allows browser tooling on other origins to call the API.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers",
			"Authorization, Content-Type, X-API-Key, X-Signature, X-Timestamp, X-Delivery-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
