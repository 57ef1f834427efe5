package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vpsdeck/internal/container"
	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/middleware"
)

// runLocks prevents concurrent image runs against the same VPS.
var runLocks sync.Map

// ContainerHandler handles Docker container and image endpoints of a VPS.
type ContainerHandler struct {
	*Handler
}

// NewContainerHandler creates a new container handler.
func NewContainerHandler(base *Handler) *ContainerHandler {
	return &ContainerHandler{Handler: base}
}

// RegisterRoutes registers container routes.
func (h *ContainerHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePrivate(h.session))
		r.Route("/api/vps/{id}/docker", func(r chi.Router) {
			r.Get("/ping", h.Ping)
			r.Get("/containers", h.ListContainers)
			r.Post("/containers/{containerID}/start", h.StartContainer)
			r.Post("/containers/{containerID}/stop", h.StopContainer)
			r.Delete("/containers/{containerID}", h.RemoveContainer)
			r.Get("/images", h.ListImages)
			r.Post("/images/run", h.RunImage)
			r.Delete("/images/{imageID}", h.RemoveImage)
		})
	})
}

// manager resolves the VPS address through the backend and returns its
// Docker manager.
func (h *ContainerHandler) manager(w http.ResponseWriter, r *http.Request) (container.Manager, int, bool) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return nil, 0, false
	}
	token, ok := h.token(w)
	if !ok {
		return nil, 0, false
	}
	vps, err := h.backend.GetVPS(r.Context(), token, id)
	if err != nil {
		backendError(w, "get vps", err)
		return nil, 0, false
	}
	mgr, err := h.docker.ForVPS(vps.IP)
	if err != nil {
		slog.Error("Failed to reach docker engine", "vps_id", id, "error", err)
		Error(w, http.StatusBadGateway, "docker engine unavailable")
		return nil, 0, false
	}
	return mgr, id, true
}

func dockerError(w http.ResponseWriter, op string, vpsID int, err error) {
	slog.Error("Docker operation failed", "op", op, "vps_id", vpsID, "error", err)
	switch {
	case errors.Is(err, container.ErrNameRequired), errors.Is(err, container.ErrInvalidPort):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusBadGateway, op+" failed")
	}
}

// Ping reports whether the VPS Docker engine answers.
func (h *ContainerHandler) Ping(w http.ResponseWriter, r *http.Request) {
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := mgr.Ping(r.Context()); err != nil {
		slog.Warn("Docker engine ping failed", "vps_id", id, "error", err)
		JSON(w, http.StatusOK, map[string]any{"reachable": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"reachable": true})
}

// ListContainers returns every container on the VPS.
func (h *ContainerHandler) ListContainers(w http.ResponseWriter, r *http.Request) {
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}
	list, err := mgr.ListContainers(r.Context())
	if err != nil {
		dockerError(w, "list containers", id, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// StartContainer starts a stopped container.
func (h *ContainerHandler) StartContainer(w http.ResponseWriter, r *http.Request) {
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := mgr.StartContainer(r.Context(), chi.URLParam(r, "containerID")); err != nil {
		dockerError(w, "start container", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopContainer stops a container. Stopping a stopped container succeeds.
func (h *ContainerHandler) StopContainer(w http.ResponseWriter, r *http.Request) {
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := mgr.StopContainer(r.Context(), chi.URLParam(r, "containerID")); err != nil {
		dockerError(w, "stop container", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveContainer force-removes a container.
func (h *ContainerHandler) RemoveContainer(w http.ResponseWriter, r *http.Request) {
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := mgr.RemoveContainer(r.Context(), chi.URLParam(r, "containerID")); err != nil {
		dockerError(w, "remove container", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListImages returns the images on the VPS.
func (h *ContainerHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}
	list, err := mgr.ListImages(r.Context())
	if err != nil {
		dockerError(w, "list images", id, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// RemoveImage deletes an image.
func (h *ContainerHandler) RemoveImage(w http.ResponseWriter, r *http.Request) {
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := mgr.RemoveImage(r.Context(), chi.URLParam(r, "imageID")); err != nil {
		dockerError(w, "remove image", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunImage starts a new container from an image.
func (h *ContainerHandler) RunImage(w http.ResponseWriter, r *http.Request) {
	var req domain.RunImageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ImageID == "" {
		Error(w, http.StatusBadRequest, "imageId is required")
		return
	}
	mgr, id, ok := h.manager(w, r)
	if !ok {
		return
	}

	lock, _ := runLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Image run already in progress", "vps_id", id)
		Error(w, http.StatusConflict, "run_in_progress")
		return
	}
	defer mutex.Unlock()

	containerID, err := mgr.RunImage(r.Context(), req)
	if err != nil {
		dockerError(w, "run image", id, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"containerId": containerID})
}
