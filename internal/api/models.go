package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/middleware"
)

// ModelHandler serves the AI model catalog and its admin editor.
type ModelHandler struct {
	*Handler
}

// NewModelHandler creates a new model handler.
func NewModelHandler(base *Handler) *ModelHandler {
	return &ModelHandler{Handler: base}
}

// RegisterRoutes registers model routes. Admin routes are gated in the UI
// sense only; the backend authorizes them again.
func (h *ModelHandler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequirePrivate(h.session)).Get("/api/models", h.List)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminOnly(h.session))
		r.Get("/api/admin/models", h.AdminList)
		r.Post("/api/admin/models", h.AdminCreate)
		r.Get("/api/admin/models/{id}", h.AdminGet)
		r.Put("/api/admin/models/{id}", h.AdminUpdate)
	})
}

func validModel(w http.ResponseWriter, m *domain.AIModel) bool {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return false
	}
	if m.Port < 1 || m.Port > 65535 {
		Error(w, http.StatusBadRequest, "invalid port")
		return false
	}
	if m.MinRequiredRAMMb < 0 {
		Error(w, http.StatusBadRequest, "invalid minRequiredRamMb")
		return false
	}
	return true
}

// List returns the deployable models.
func (h *ModelHandler) List(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w)
	if !ok {
		return
	}
	models, err := h.backend.ListModels(r.Context(), token)
	if err != nil {
		backendError(w, "list models", err)
		return
	}
	if models == nil {
		models = []domain.AIModel{}
	}
	JSON(w, http.StatusOK, models)
}

// AdminList returns every model definition.
func (h *ModelHandler) AdminList(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w)
	if !ok {
		return
	}
	models, err := h.backend.ListAdminModels(r.Context(), token)
	if err != nil {
		backendError(w, "list admin models", err)
		return
	}
	if models == nil {
		models = []domain.AIModel{}
	}
	JSON(w, http.StatusOK, models)
}

// AdminGet returns one model definition.
func (h *ModelHandler) AdminGet(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	m, err := h.backend.GetAdminModel(r.Context(), token, id)
	if err != nil {
		backendError(w, "get admin model", err)
		return
	}
	JSON(w, http.StatusOK, m)
}

// AdminCreate adds a model definition.
func (h *ModelHandler) AdminCreate(w http.ResponseWriter, r *http.Request) {
	var m domain.AIModel
	if !decode(w, r, &m) || !validModel(w, &m) {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	if err := h.backend.CreateAdminModel(r.Context(), token, m); err != nil {
		backendError(w, "create admin model", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// AdminUpdate edits a model definition.
func (h *ModelHandler) AdminUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	var m domain.AIModel
	if !decode(w, r, &m) || !validModel(w, &m) {
		return
	}
	m.ID = id
	token, ok := h.token(w)
	if !ok {
		return
	}
	if err := h.backend.UpdateAdminModel(r.Context(), token, id, m); err != nil {
		backendError(w, "update admin model", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
