package auth

import (
	"log/slog"
	"net/http"

	"opsgate/internal/apperr"
	"opsgate/internal/httpx"
)

type LoginHandler struct {
	Service *Service
	Logger  *slog.Logger
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.WriteError(w, h.Logger, err)
		return
	}
	if payload.Username == "" || payload.Password == "" {
		httpx.WriteError(w, h.Logger, apperr.Validation("invalid_credentials", "username and password are required"))
		return
	}
	user, token, err := h.Service.Authenticate(r.Context(), payload.Username, payload.Password)
	if err != nil {
		h.Logger.Info("login failed", "username", payload.Username)
		httpx.WriteError(w, h.Logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}
