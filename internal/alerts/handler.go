package alerts

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"opsgate/internal/auth"
	"opsgate/internal/httpx"
)

type QueryHandler struct {
	Store  Repository
	Logger *slog.Logger
}

func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
	filter := Filter{
		TenantID:     company,
		AssetName:    q.Get("asset_name"),
		Signature:    q.Get("signature"),
		Severity:     Severity(q.Get("severity")),
		Uncorrelated: q.Get("uncorrelated") == "true",
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		if t, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			filter.Since = t
		}
	}
	if untilStr := q.Get("until"); untilStr != "" {
		if t, err := time.Parse(time.RFC3339, untilStr); err == nil {
			filter.Until = t
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = l
		}
	}

	alerts, err := h.Store.List(r.Context(), filter)
	if err != nil {
		h.Logger.Error("list alerts", "err", err)
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	httpx.WriteJSON(w, http.StatusOK, alerts)
}
