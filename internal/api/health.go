package api

import (
	"context"
	"net/http"
	"time"
)

// Health reports whether the credential store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", "error", err)
			JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": err.Error()})
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
