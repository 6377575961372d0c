package api

import (
	"context"
	"net/http"
	"time"
)

// Alive — проверка живости процесса.
// GET / и GET /healthcheck
func (h *Handler) Alive(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready проверяет зависимости (БД, брокер).
// GET /healthz
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.ready(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			ServiceUnavailable(w, err.Error())
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
