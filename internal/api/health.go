package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthHandler reports gateway readiness.
type HealthHandler struct {
	*Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(base *Handler) *HealthHandler {
	return &HealthHandler{Handler: base}
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health checks the transcript database and reports the session state.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, db := http.StatusOK, "ok"
	if err := h.repo.Ping(ctx); err != nil {
		status, db = http.StatusServiceUnavailable, "unavailable"
	}

	state := h.session.State()
	JSON(w, status, map[string]any{
		"status":   http.StatusText(status),
		"database": db,
		"session": map[string]bool{
			"loading":  state.Loading,
			"loggedIn": state.LoggedIn,
		},
	})
}
