package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"opsgate/internal/apperr"
	"opsgate/internal/httpx"
	"opsgate/internal/ratelimit"
)

// MaxBodyBytes caps a webhook body.
const MaxBodyBytes = 1 << 20

type WebhookHandler struct {
	Pipeline *Pipeline
	Logger   *slog.Logger
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(w, h.Logger, apperr.Validation("body_too_large", "request body exceeds 1 MiB"))
			return
		}
		httpx.WriteError(w, h.Logger, apperr.Validation("invalid_body", "could not read request body"))
		return
	}

	key := r.URL.Query().Get("api_key")
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	res, err := h.Pipeline.Ingest(r.Context(), Delivery{
		APIKey:     key,
		Signature:  r.Header.Get("X-Signature"),
		Timestamp:  r.Header.Get("X-Timestamp"),
		DeliveryID: r.Header.Get("X-Delivery-ID"),
		Body:       body,
	})
	if err != nil {
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			retry := ratelimit.Decision{RetryAfter: limited.RetryAfter}
			w.Header().Set("Retry-After", strconv.Itoa(retry.RetryAfterSeconds()))
		}
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if res.Duplicate {
		httpx.WriteJSON(w, http.StatusOK, res)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}
