package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vpsdeck/internal/backend"
	"github.com/ashureev/vpsdeck/internal/identity"
	"github.com/ashureev/vpsdeck/internal/middleware"
	"github.com/ashureev/vpsdeck/internal/session"
)

const authKeepalive = 15 * time.Second

// NavigationHub fans session navigations out to open browser tabs. It
// implements session.Navigator: a logout becomes a "navigate" event that the
// page turns into a full reload of the target path.
type NavigationHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan string
}

// NewNavigationHub creates an empty hub.
func NewNavigationHub() *NavigationHub {
	return &NavigationHub{subs: make(map[int]chan string)}
}

// Navigate implements session.Navigator.
func (n *NavigationHub) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- path:
		default:
		}
	}
}

func (n *NavigationHub) subscribe() (<-chan string, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	ch := make(chan string, 4)
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// AuthHandler handles sign-in, sign-out and session state endpoints.
type AuthHandler struct {
	*Handler
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(base *Handler) *AuthHandler {
	return &AuthHandler{Handler: base}
}

// RegisterRoutes registers auth routes with their gates.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.With(middleware.PublicOnly(h.session)).Post("/api/auth/login", h.Login)
	r.Get("/api/auth/status", h.Status)
	r.Get("/api/auth/events", h.Events)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePrivate(h.session))
		r.Post("/api/auth/logout", h.Logout)
		r.Post("/api/auth/password", h.ChangePassword)
		r.Get("/api/me", h.GetMe)
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials with the backend and installs the session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	result, err := h.backend.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrUnauthorized):
			slog.Info("Login rejected", "email", req.Email, "ip", identity.IPFromRequest(r))
			Error(w, http.StatusUnauthorized, "invalid email or password")
		case errors.Is(err, backend.ErrNetworkUnavailable):
			Error(w, http.StatusServiceUnavailable, "network unavailable")
		default:
			backendError(w, "login", err)
		}
		return
	}

	email := result.Email
	if email == "" {
		email = req.Email
	}
	if err := h.session.Login(result.Token, email, result.Role); err != nil {
		slog.Error("Failed to persist session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to persist session")
		return
	}

	JSON(w, http.StatusOK, h.session.State())
}

// Logout clears the session. Open tabs are told to reload the sign-in page.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if h.onLogout != nil {
		h.onLogout()
	}
	h.session.Logout()
	JSON(w, http.StatusOK, map[string]string{"navigate": session.SignInPath})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword forwards a password change to the backend.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		Error(w, http.StatusBadRequest, "current and new password are required")
		return
	}
	token, ok := h.token(w)
	if !ok {
		return
	}
	if err := h.backend.ChangePassword(r.Context(), token, req.CurrentPassword, req.NewPassword); err != nil {
		backendError(w, "change password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status returns the session state once the guard has finished loading.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Wait(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "session is still loading")
		return
	}
	JSON(w, http.StatusOK, h.session.State())
}

// GetMe returns the signed-in operator.
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "not signed in")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"email":   id.Email,
		"role":    id.Role,
		"isAdmin": id.IsAdmin(),
	})
}

// Events streams session state changes and navigations as SSE.
func (h *AuthHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	states := make(chan session.State, 8)
	unsubscribe := h.session.Subscribe(func(s session.State) {
		select {
		case states <- s:
		default:
		}
	})
	defer unsubscribe()
	navs, unsubscribeNav := h.nav.subscribe()
	defer unsubscribeNav()

	if err := writeSSE(w, "state", h.session.State()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(authKeepalive)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case s := <-states:
			err = writeSSE(w, "state", s)
		case path := <-navs:
			err = writeSSE(w, "navigate", map[string]string{"path": path})
		case <-ticker.C:
			_, err = fmt.Fprint(w, ": ping\n\n")
		}
		if err != nil {
			slog.Debug("Auth event stream closed", "error", err)
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
