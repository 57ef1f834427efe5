package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/vpsdeck/internal/domain"
)

func TestMiddlewareInjectsIdentityAndSession(t *testing.T) {
	src := SourceFunc(func() (domain.Identity, bool) {
		return domain.Identity{Email: "ops@example.com", Role: "admin"}, true
	})

	var gotEmail, gotSession string
	h := Middleware(src)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEmail = EmailFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(SessionHeaderName, "tab-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotEmail != "ops@example.com" {
		t.Errorf("email = %q, want ops@example.com", gotEmail)
	}
	if gotSession != "tab-1" {
		t.Errorf("session = %q, want tab-1", gotSession)
	}
}

func TestMiddlewareSignedOut(t *testing.T) {
	src := SourceFunc(func() (domain.Identity, bool) { return domain.Identity{}, false })

	var ok bool
	var gotSession string
	h := Middleware(src)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = FromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me?session_id=bad%20id", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if ok {
		t.Error("expected no identity while signed out")
	}
	if gotSession != DefaultSessionIDValue {
		t.Errorf("session = %q, want %q", gotSession, DefaultSessionIDValue)
	}
}
