package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"opsgate/internal/auth"
	"opsgate/internal/httpx"
)

// Reader lists audit entries, newest first.
type Reader interface {
	List(ctx context.Context, f Filter) ([]Entry, error)
}

type Handler struct {
	Store  Reader
	Logger *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
	f := Filter{
		TenantID:     company,
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Action:       Action(q.Get("action")),
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		if t, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			f.Since = t
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			f.Limit = l
		}
	}
	entries, err := h.Store.List(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httpx.WriteJSON(w, http.StatusOK, entries)
}
