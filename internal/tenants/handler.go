package tenants

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"opsgate/internal/auth"
	"opsgate/internal/httpx"
)

// ConfigHandler serves /companies/{id}/... configuration endpoints.
type ConfigHandler struct {
	Service *Service
	Logger  *slog.Logger
}

func (h *ConfigHandler) RegisterRoutes(r chi.Router) {
	r.Route("/companies/{id}", func(r chi.Router) {
		r.Get("/correlation-config", h.getCorrelation)
		r.Put("/correlation-config", h.putCorrelation)
		r.Get("/rate-limit", h.getRateLimit)
		r.Put("/rate-limit", h.putRateLimit)
		r.Get("/webhook-security", h.getSecurity)
		r.Post("/webhook-security/rotate-key", h.rotateKey)
		r.Post("/webhook-security/enable-hmac", h.enableHMAC)
		r.Post("/webhook-security/disable-hmac", h.disableHMAC)
	})
}

// access returns the caller and company id, enforcing company scoping and,
// for writes, an admin role.
func (h *ConfigHandler) access(w http.ResponseWriter, r *http.Request, write bool) (*auth.User, string, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, h.Logger, auth.ErrUnauthenticated)
		return nil, "", false
	}
	id := chi.URLParam(r, "id")
	if !user.CanAccessCompany(id) || (write && !user.IsAdmin()) {
		httpx.WriteError(w, h.Logger, auth.ErrForbidden)
		return nil, "", false
	}
	return user, id, true
}

func (h *ConfigHandler) snapshot(w http.ResponseWriter, r *http.Request) (Tenant, bool) {
	_, id, ok := h.access(w, r, false)
	if !ok {
		return Tenant{}, false
	}
	t, err := h.Service.Snapshot(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return Tenant{}, false
	}
	return t, true
}

func (h *ConfigHandler) getCorrelation(w http.ResponseWriter, r *http.Request) {
	if t, ok := h.snapshot(w, r); ok {
		httpx.WriteJSON(w, http.StatusOK, t.Correlation)
	}
}

func (h *ConfigHandler) putCorrelation(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.access(w, r, true)
	if !ok {
		return
	}
	var cfg CorrelationConfig
	if err := httpx.DecodeJSON(r, &cfg); err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	t, err := h.Service.UpdateCorrelation(r.Context(), id, cfg, user.Username)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("correlation config updated", "company", id, "actor", user.Username, "version", t.Version)
	httpx.WriteJSON(w, http.StatusOK, t.Correlation)
}

func (h *ConfigHandler) getRateLimit(w http.ResponseWriter, r *http.Request) {
	if t, ok := h.snapshot(w, r); ok {
		httpx.WriteJSON(w, http.StatusOK, t.RateLimit)
	}
}

func (h *ConfigHandler) putRateLimit(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.access(w, r, true)
	if !ok {
		return
	}
	var cfg RateLimitConfig
	if err := httpx.DecodeJSON(r, &cfg); err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	t, err := h.Service.UpdateRateLimit(r.Context(), id, cfg, user.Username)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("rate limit updated", "company", id, "actor", user.Username, "version", t.Version)
	httpx.WriteJSON(w, http.StatusOK, t.RateLimit)
}

func (h *ConfigHandler) getSecurity(w http.ResponseWriter, r *http.Request) {
	if t, ok := h.snapshot(w, r); ok {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"hmac_enabled":               t.Security.HMACEnabled,
			"max_timestamp_diff_seconds": int(t.Security.MaxTimestampDiff().Seconds()),
		})
	}
}

func (h *ConfigHandler) rotateKey(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.access(w, r, true)
	if !ok {
		return
	}
	key, err := h.Service.RotateAPIKey(r.Context(), id, user.Username)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("api key rotated", "company", id, "actor", user.Username)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (h *ConfigHandler) enableHMAC(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.access(w, r, true)
	if !ok {
		return
	}
	var payload struct {
		MaxTimestampDiffSeconds int `json:"max_timestamp_diff_seconds"`
	}
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.WriteError(w, h.Logger, err)
			return
		}
	}
	secret, err := h.Service.EnableHMAC(r.Context(), id, payload.MaxTimestampDiffSeconds, user.Username)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("hmac enabled", "company", id, "actor", user.Username)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"hmac_enabled": true, "secret": secret})
}

func (h *ConfigHandler) disableHMAC(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.access(w, r, true)
	if !ok {
		return
	}
	if _, err := h.Service.DisableHMAC(r.Context(), id, user.Username); err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("hmac disabled", "company", id, "actor", user.Username)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"hmac_enabled": false})
}
