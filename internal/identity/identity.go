// Package identity carries the operator identity and the browser tab session
// id through request contexts.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/vpsdeck/internal/domain"
)

const (
	SessionHeaderName     = "X-VPSDECK-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"
)

type contextKey int

const (
	identityKey contextKey = iota
	sessionIDKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Source reports the identity of the operator currently signed in to the
// gateway. ok is false while signed out.
type Source interface {
	Identity() (domain.Identity, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (domain.Identity, bool)

// Identity implements Source.
func (f SourceFunc) Identity() (domain.Identity, bool) { return f() }

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the operator identity from the request context.
func FromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey).(domain.Identity)
	return id, ok
}

// EmailFromContext extracts the operator email, or "".
func EmailFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Email
}

// WithSessionID returns a context carrying a sanitized tab session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the signed-in identity (when there is one) and the
// per-request tab session ID. It never rejects a request; gating is done by
// the route gates.
func Middleware(src Source) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), sessionIDKey, sessionIDFromRequest(r))
			if id, ok := src.Identity(); ok {
				ctx = WithIdentity(ctx, id)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
