// Package api provides HTTP handlers for the vpsdeck gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vpsdeck/internal/backend"
	"github.com/ashureev/vpsdeck/internal/container"
	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/middleware"
	"github.com/ashureev/vpsdeck/internal/session"
	"github.com/ashureev/vpsdeck/internal/store"
)

const maxRequestBodySize = 1 << 20

// Backend is the part of the backend client the handlers call.
type Backend interface {
	Login(ctx context.Context, email, password string) (domain.LoginResult, error)
	ChangePassword(ctx context.Context, token, current, next string) error

	ListVPS(ctx context.Context, token string) ([]domain.VPS, error)
	GetVPS(ctx context.Context, token string, id int) (domain.VPS, error)
	CreateVPS(ctx context.Context, token string, in domain.VPSInput) error
	UpdateVPS(ctx context.Context, token string, id int, in domain.VPSInput) error
	DeleteVPS(ctx context.Context, token string, id int) error
	CheckConnection(ctx context.Context, token string, in domain.VPSInput) (domain.ConnectionCheck, error)
	SystemInfo(ctx context.Context, token string, id int) (domain.SystemInfo, error)

	ListModels(ctx context.Context, token string) ([]domain.AIModel, error)
	ListAdminModels(ctx context.Context, token string) ([]domain.AIModel, error)
	GetAdminModel(ctx context.Context, token string, id int) (domain.AIModel, error)
	CreateAdminModel(ctx context.Context, token string, m domain.AIModel) error
	UpdateAdminModel(ctx context.Context, token string, id int, m domain.AIModel) error
}

// Session is the part of the session guard the handlers use.
type Session interface {
	middleware.SessionSource
	Login(token, email, role string) error
	Logout()
	Token() (string, bool)
	Subscribe(fn func(session.State)) func()
}

// DockerPool hands out a container manager per VPS address.
type DockerPool interface {
	ForVPS(ip string) (container.Manager, error)
}

// Deps are the handler dependencies.
type Deps struct {
	Backend    Backend
	Session    Session
	Docker     DockerPool
	Repo       store.Repository
	Navigation *NavigationHub

	// OnLogout runs before the session is cleared, e.g. to stop in-flight chats.
	OnLogout func()
	// OnConversationDeleted drops in-memory state for a deleted transcript.
	OnConversationDeleted func(conversationID string)
}

// Handler provides common handler utilities.
type Handler struct {
	backend Backend
	session Session
	docker  DockerPool
	repo    store.Repository
	nav     *NavigationHub

	onLogout              func()
	onConversationDeleted func(string)
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		backend:               d.Backend,
		session:               d.Session,
		docker:                d.Docker,
		repo:                  d.Repo,
		nav:                   d.Navigation,
		onLogout:              d.OnLogout,
		onConversationDeleted: d.OnConversationDeleted,
	}
	if h.nav == nil {
		h.nav = NewNavigationHub()
	}
	return h
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// token returns the bearer credential or answers 401.
func (h *Handler) token(w http.ResponseWriter) (string, bool) {
	token, ok := h.session.Token()
	if !ok {
		Error(w, http.StatusUnauthorized, "not signed in")
		return "", false
	}
	return token, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v <= 0 {
		Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

// backendError maps a backend failure to a gateway response.
func backendError(w http.ResponseWriter, op string, err error) {
	var se *backend.StatusError
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, "backend rejected credentials")
		return
	case errors.Is(err, backend.ErrNetworkUnavailable):
		slog.Warn("Backend unreachable", "op", op, "error", err)
		Error(w, http.StatusServiceUnavailable, "network unavailable")
		return
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, "backend timed out")
		return
	case errors.As(err, &se):
		if se.Code == http.StatusNotFound {
			Error(w, http.StatusNotFound, "not found")
			return
		}
		if se.Code >= 400 && se.Code < 500 {
			msg := se.Body
			if strings.TrimSpace(msg) == "" {
				msg = http.StatusText(se.Code)
			}
			Error(w, se.Code, msg)
			return
		}
	}
	slog.Error("Backend call failed", "op", op, "error", err)
	Error(w, http.StatusBadGateway, "backend error")
}
