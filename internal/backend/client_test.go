package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/vpsdeck/internal/chat"
	"github.com/ashureev/vpsdeck/internal/domain"
)

type staticTokens struct {
	token string
	ok    bool
}

func (s staticTokens) Token() (string, bool) { return s.token, s.ok }

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func TestCheckAuthSendsBearerAndDecodesIdentity(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/check" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(domain.Identity{Email: "ops@example.com", Role: "Admin"})
	}))

	id, err := c.CheckAuth(context.Background(), "tok")
	if err != nil {
		t.Fatalf("CheckAuth: %v", err)
	}
	if id.Email != "ops@example.com" || !id.IsAdmin() {
		t.Errorf("identity = %+v", id)
	}
}

func TestCheckAuthRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := c.CheckAuth(context.Background(), "stale"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestCheckAuthMalformedBody(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json"))
	}))

	if _, err := c.CheckAuth(context.Background(), "tok"); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CheckAuth(context.Background(), "tok"); !errors.Is(err, ErrNetworkUnavailable) {
		t.Errorf("err = %v, want ErrNetworkUnavailable", err)
	}
}

func TestStatusErrorCarriesCode(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.ListVPS(context.Background(), "tok")
	if !IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("err = %v, want status 500", err)
	}
}

func TestLogin(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body loginRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.LoginResult{Token: "tok", Email: body.Email, Role: "user"})
	}))

	res, err := c.Login(context.Background(), "ops@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token != "tok" || res.Email != "ops@example.com" {
		t.Errorf("result = %+v", res)
	}

	if _, err := c.Login(context.Background(), "ops@example.com", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestSingleModeExchange(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.ContainerID != "ctr-1" || body.Message != "uptime" {
			t.Errorf("body = %+v", body)
		}
		_, _ = w.Write([]byte("up 3 days"))
	}))
	ex := NewExchanger(c, nil, staticTokens{token: "tok", ok: true}, nil)

	var chunks []*chat.Chunk
	for chunk, err := range ex.Exchange(context.Background(), chat.ExchangeRequest{ContainerID: "ctr-1", Message: "uptime"}) {
		if err != nil {
			t.Fatalf("exchange: %v", err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 1 || chunks[0].Content != "up 3 days" || !chunks[0].Final {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestExchangeWithoutTokenFails(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	ex := NewExchanger(c, nil, staticTokens{}, nil)

	for _, err := range ex.Exchange(context.Background(), chat.ExchangeRequest{Message: "x"}) {
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	}
}

func TestHistoryNormalizesRoles(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/getChat/conv-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"id":"1","role":"User","content":"hi"},{"id":"2","role":"bot","content":"hello"}]`))
	}))

	msgs, err := NewHistory(c, staticTokens{token: "tok", ok: true}).History(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}
}
