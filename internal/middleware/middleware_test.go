package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/vpsdeck/internal/session"
)

type fakeSession struct {
	ready chan struct{}
	state session.State
}

func (f *fakeSession) Wait(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSession) State() session.State { return f.state }

func readySession(s session.State) *fakeSession {
	ch := make(chan struct{})
	close(ch)
	return &fakeSession{ready: ch, state: s}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequirePrivate(t *testing.T) {
	signedOut := RequirePrivate(readySession(session.State{}))(okHandler)

	api := httptest.NewRecorder()
	signedOut.ServeHTTP(api, httptest.NewRequest(http.MethodGet, "/api/vps", nil))
	if api.Code != http.StatusUnauthorized {
		t.Errorf("api status = %d, want 401", api.Code)
	}

	page := httptest.NewRequest(http.MethodGet, "/vps", nil)
	page.Header.Set("Accept", "text/html,application/xhtml+xml")
	nav := httptest.NewRecorder()
	signedOut.ServeHTTP(nav, page)
	if nav.Code != http.StatusFound || nav.Header().Get("Location") != session.SignInPath {
		t.Errorf("page status = %d location = %q", nav.Code, nav.Header().Get("Location"))
	}

	signedIn := RequirePrivate(readySession(session.State{LoggedIn: true}))(okHandler)
	w := httptest.NewRecorder()
	signedIn.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/vps", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("signed in status = %d, want 204", w.Code)
	}
}

func TestPublicOnlyRedirectsSignedIn(t *testing.T) {
	h := PublicOnly(readySession(session.State{LoggedIn: true}))(okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}

	page := httptest.NewRequest(http.MethodGet, "/signin", nil)
	page.Header.Set("Accept", "text/html")
	nav := httptest.NewRecorder()
	h.ServeHTTP(nav, page)
	if nav.Header().Get("Location") != session.LandingPath {
		t.Errorf("location = %q, want %q", nav.Header().Get("Location"), session.LandingPath)
	}
}

func TestAdminOnlyIgnoresRoleCase(t *testing.T) {
	admin := AdminOnly(readySession(session.State{LoggedIn: true, Role: "ADMIN"}))(okHandler)
	w := httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/models", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("admin status = %d, want 204", w.Code)
	}

	user := AdminOnly(readySession(session.State{LoggedIn: true, Role: "user"}))(okHandler)
	w = httptest.NewRecorder()
	user.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/models", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("user status = %d, want 403", w.Code)
	}
}

func TestGateWaitsForLoadingSession(t *testing.T) {
	src := &fakeSession{ready: make(chan struct{}), state: session.State{Loading: true}}
	h := RequirePrivate(src)(okHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/vps", nil).WithContext(ctx))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status while loading = %d, want 503", w.Code)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		src.state = session.State{LoggedIn: true}
		close(src.ready)
	}()
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/vps", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status after ready = %d, want 204", w.Code)
	}
}

func TestCORSAllowsSessionHeader(t *testing.T) {
	h := CORS([]string{"https://console.example"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/vps", nil)
	req.Header.Set("Origin", "https://console.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("explicit origin should allow credentials")
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != allowedHeaders {
		t.Errorf("allow headers = %q", got)
	}
}
