package decision

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"opsgate/internal/auth"
	"opsgate/internal/httpx"
	"opsgate/internal/incidents"
)

type Handler struct {
	Engine *Engine
	Logger *slog.Logger
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/incidents/{id}/decide", h.decide)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, h.Logger, auth.ErrUnauthenticated)
		return
	}
	id := chi.URLParam(r, "id")
	inc, err := h.Engine.Incidents.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if !user.CanAccessCompany(inc.TenantID) {
		httpx.WriteError(w, h.Logger, incidents.ErrNotFound)
		return
	}
	out, err := h.Engine.Decide(r.Context(), id, user.Username)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
