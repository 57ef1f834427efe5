package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/middleware"
)

// VPSHandler proxies VPS management to the backend.
type VPSHandler struct {
	*Handler
}

// NewVPSHandler creates a new VPS handler.
func NewVPSHandler(base *Handler) *VPSHandler {
	return &VPSHandler{Handler: base}
}

// RegisterRoutes registers VPS routes.
func (h *VPSHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePrivate(h.session))
		r.Get("/api/vps", h.List)
		r.Post("/api/vps", h.Create)
		r.Post("/api/vps/check-connection", h.CheckConnection)
		r.Get("/api/vps/{id}", h.Get)
		r.Put("/api/vps/{id}", h.Update)
		r.Delete("/api/vps/{id}", h.Delete)
		r.Get("/api/vps/{id}/system-info", h.SystemInfo)
	})
}

func validVPSInput(w http.ResponseWriter, in *domain.VPSInput) bool {
	in.FriendlyName = strings.TrimSpace(in.FriendlyName)
	in.IP = strings.TrimSpace(in.IP)
	in.UserName = strings.TrimSpace(in.UserName)
	if in.IP == "" || in.UserName == "" {
		Error(w, http.StatusBadRequest, "ip and userName are required")
		return false
	}
	if in.Port == 0 {
		in.Port = 22
	}
	if in.Port < 1 || in.Port > 65535 {
		Error(w, http.StatusBadRequest, "invalid port")
		return false
	}
	return true
}

// List returns the operator's VPS list.
func (h *VPSHandler) List(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w)
	if !ok {
		return
	}
	list, err := h.backend.ListVPS(r.Context(), token)
	if err != nil {
		backendError(w, "list vps", err)
		return
	}
	if list == nil {
		list = []domain.VPS{}
	}
	JSON(w, http.StatusOK, list)
}

// Get returns one VPS.
func (h *VPSHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	vps, err := h.backend.GetVPS(r.Context(), token, id)
	if err != nil {
		backendError(w, "get vps", err)
		return
	}
	JSON(w, http.StatusOK, vps)
}

// Create registers a VPS.
func (h *VPSHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in domain.VPSInput
	if !decode(w, r, &in) || !validVPSInput(w, &in) {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	if err := h.backend.CreateVPS(r.Context(), token, in); err != nil {
		backendError(w, "create vps", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Update edits a VPS.
func (h *VPSHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	var in domain.VPSInput
	if !decode(w, r, &in) || !validVPSInput(w, &in) {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	if err := h.backend.UpdateVPS(r.Context(), token, id, in); err != nil {
		backendError(w, "update vps", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes a VPS.
func (h *VPSHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	if err := h.backend.DeleteVPS(r.Context(), token, id); err != nil {
		backendError(w, "delete vps", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckConnection asks the backend to probe SSH connectivity.
func (h *VPSHandler) CheckConnection(w http.ResponseWriter, r *http.Request) {
	var in domain.VPSInput
	if !decode(w, r, &in) || !validVPSInput(w, &in) {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	check, err := h.backend.CheckConnection(r.Context(), token, in)
	if err != nil {
		backendError(w, "check connection", err)
		return
	}
	JSON(w, http.StatusOK, check)
}

// SystemInfo returns resource usage for a VPS.
func (h *VPSHandler) SystemInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	info, err := h.backend.SystemInfo(r.Context(), token, id)
	if err != nil {
		backendError(w, "system info", err)
		return
	}
	JSON(w, http.StatusOK, info)
}
