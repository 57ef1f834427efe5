package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/identity"
	"github.com/ashureev/vpsdeck/internal/session"
)

// SessionSource is the part of the session guard the gates need.
type SessionSource interface {
	Wait(ctx context.Context) error
	State() session.State
}

// Gate is a route gate evaluated against the session state.
type Gate func(session.State) session.Verdict

// RequirePrivate admits signed-in operators.
func RequirePrivate(src SessionSource) func(http.Handler) http.Handler {
	return Guarded(src, session.PrivateRoute)
}

// PublicOnly admits signed-out visitors only.
func PublicOnly(src SessionSource) func(http.Handler) http.Handler {
	return Guarded(src, session.PublicOnly)
}

// AdminOnly admits signed-in operators with the admin role.
func AdminOnly(src SessionSource) func(http.Handler) http.Handler {
	return Guarded(src, session.AdminOnly)
}

// Guarded applies gate to every request. While the guard is still loading the
// request waits for it, bounded by the request context. Page navigations that
// fail the gate are redirected; API calls get a JSON 401 or 403.
func Guarded(src SessionSource, gate Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := src.Wait(r.Context()); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("Session not ready before request deadline", "path", r.URL.Path, "error", err)
				}
				writeJSONError(w, http.StatusServiceUnavailable, "session is still loading")
				return
			}

			state := src.State()
			verdict := gate(state)
			switch verdict.Decision {
			case session.Allow:
				// The identity captured before readiness may be stale.
				ctx := r.Context()
				if state.LoggedIn {
					ctx = identity.WithIdentity(ctx, domain.Identity{Email: state.Email, Role: state.Role})
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			case session.Pending:
				// Ready has closed, so only a racing reload lands here.
				writeJSONError(w, http.StatusServiceUnavailable, "session is still loading")
				return
			}

			if wantsHTML(r) {
				http.Redirect(w, r, verdict.Location, http.StatusFound)
				return
			}
			if verdict.Location == session.SignInPath {
				writeJSONError(w, http.StatusUnauthorized, "not signed in")
				return
			}
			writeJSONError(w, http.StatusForbidden, "not allowed")
		})
	}
}

// wantsHTML reports whether r is a browser page navigation rather than an
// API call.
func wantsHTML(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
