package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/middleware"
)

// ConversationHandler exposes the local transcript cache.
type ConversationHandler struct {
	*Handler
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(base *Handler) *ConversationHandler {
	return &ConversationHandler{Handler: base}
}

// RegisterRoutes registers transcript routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePrivate(h.session))
		r.Get("/api/conversations", h.List)
		r.Delete("/api/conversations/{conversationID}", h.Delete)
	})
}

// List returns cached conversations, optionally for one container.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListConversations(r.Context(), r.URL.Query().Get("container"))
	if err != nil {
		slog.Error("Failed to list conversations", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if list == nil {
		list = []*domain.Conversation{}
	}
	JSON(w, http.StatusOK, list)
}

// Delete removes a cached conversation.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	conv, err := h.repo.GetConversation(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err := h.repo.DeleteConversation(r.Context(), id); err != nil {
		slog.Error("Failed to delete conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	if h.onConversationDeleted != nil {
		h.onConversationDeleted(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
