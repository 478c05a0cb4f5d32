package incidents

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opsgate/internal/alerts"
	"opsgate/internal/apperr"
	"opsgate/internal/audit"
	"opsgate/internal/auth"
	"opsgate/internal/httpx"
)

// PassRunner runs a batch correlation pass for one company.
type PassRunner interface {
	CorrelateTenant(ctx context.Context, tenantID string) (PassResult, error)
}

type Handler struct {
	Store  Repository
	Runner PassRunner
	Logger *slog.Logger
	Now    func() time.Time
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/incidents", h.list)
	r.Post("/incidents/correlate", h.correlate)
	r.Get("/incidents/{id}", h.get)
	r.Patch("/incidents/{id}", h.patch)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, h.Logger, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	company, err := auth.CompanyFor(user, q.Get("company_id"))
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	filter := ListFilter{
		TenantID:  company,
		AssetName: q.Get("asset_name"),
		Severity:  alerts.Severity(q.Get("severity")),
	}
	if status := q.Get("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			filter.Statuses = append(filter.Statuses, Status(s))
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = l
		}
	}

	incs, err := h.Store.List(r.Context(), filter)
	if err != nil {
		h.Logger.Error("list incidents", "err", err)
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if incs == nil {
		incs = []Incident{}
	}
	httpx.WriteJSON(w, http.StatusOK, incs)
}

// load fetches the incident named in the path and checks company scope.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*auth.User, *Incident, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, h.Logger, auth.ErrUnauthenticated)
		return nil, nil, false
	}
	inc, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return nil, nil, false
	}
	if !user.CanAccessCompany(inc.TenantID) {
		httpx.WriteError(w, h.Logger, ErrNotFound)
		return nil, nil, false
	}
	return user, inc, true
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	_, inc, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, inc)
}

type patchRequest struct {
	Status Status `json:"status"`
	Notes  string `json:"notes"`
}

// patch applies a manual status change. Operators may only resolve or
// escalate; every other transition belongs to the decision engine.
func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	user, inc, ok := h.load(w, r)
	if !ok {
		return
	}
	var req patchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if req.Status != StatusResolved && req.Status != StatusEscalated {
		httpx.WriteError(w, h.Logger, apperr.Validation("invalid_status", "status must be resolved or escalated"))
		return
	}
	if !CanTransition(inc.Status, req.Status) {
		httpx.WriteError(w, h.Logger, ErrInvalidTransition)
		return
	}

	from := inc.Status
	inc.SetStatus(req.Status, h.now())
	entry := audit.New(inc.TenantID, audit.ActionIncidentStatus, user.Username, "incident", inc.ID).
		With("from", string(from)).
		With("to", string(req.Status))
	if req.Notes != "" {
		entry.With("notes", req.Notes)
	}
	if err := h.Store.Update(r.Context(), inc, entry); err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	h.Logger.Info("incident status changed", "id", inc.ID, "from", from, "to", req.Status, "by", user.Username)
	httpx.WriteJSON(w, http.StatusOK, inc)
}

func (h *Handler) correlate(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, h.Logger, auth.ErrUnauthenticated)
		return
	}
	company, err := auth.CompanyFor(user, r.URL.Query().Get("company_id"))
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	res, err := h.Runner.CorrelateTenant(r.Context(), company)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{
		"created": len(res.Created),
		"updated": len(res.Updated),
	})
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}
