package approvals

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"opsgate/internal/auth"
	"opsgate/internal/httpx"
)

type Handler struct {
	Gate   *Gate
	Logger *slog.Logger
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/approval-requests", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
	})
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
	f := ListFilter{
		TenantID:   company,
		IncidentID: q.Get("incident_id"),
		Status:     Status(q.Get("status")),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			f.Limit = l
		}
	}
	reqs, err := h.Gate.List(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if reqs == nil {
		reqs = []Request{}
	}
	httpx.WriteJSON(w, http.StatusOK, reqs)
}

// load returns the request in the path if the caller may see it.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*auth.User, *Request, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, h.Logger, auth.ErrUnauthenticated)
		return nil, nil, false
	}
	req, err := h.Gate.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return nil, nil, false
	}
	if !user.CanAccessCompany(req.TenantID) {
		httpx.WriteError(w, h.Logger, ErrNotFound)
		return nil, nil, false
	}
	return user, req, true
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	_, req, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

type approveBody struct {
	Notes string `json:"notes"`
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	user, req, ok := h.load(w, r)
	if !ok {
		return
	}
	var body approveBody
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.WriteError(w, h.Logger, err)
			return
		}
	}
	res, err := h.Gate.Approve(r.Context(), req.ID, approverOf(user), body.Notes)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	user, req, ok := h.load(w, r)
	if !ok {
		return
	}
	var body rejectBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	res, err := h.Gate.Reject(r.Context(), req.ID, approverOf(user), body.Reason)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func approverOf(u *auth.User) Approver {
	return Approver{Username: u.Username, Role: string(u.Role)}
}
