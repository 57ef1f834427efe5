package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/vpsdeck/internal/chat"
	"github.com/coder/websocket"
)

// fakeBackend serves /api/chat/send and a /hubs/log push channel that
// streams the reply to the connection named in the send request.
type fakeBackend struct {
	conns chan *websocket.Conn
}

func newFakeBackend(t *testing.T, chunks []Frame) *httptest.Server {
	t.Helper()
	fb := &fakeBackend{conns: make(chan *websocket.Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/hubs/log", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		data, _ := json.Marshal(Frame{Type: FrameConnected, ConnectionID: "conn-42"})
		if err := ws.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}
		fb.conns <- ws
		// Hold the handler open until the client goes away.
		_, _, _ = ws.Read(context.Background())
	})
	mux.HandleFunc("/api/chat/send", func(w http.ResponseWriter, r *http.Request) {
		var body SendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ConnectionID != "conn-42" {
			http.Error(w, "missing connection id", http.StatusBadRequest)
			return
		}
		ws := <-fb.conns
		for _, f := range chunks {
			f.ConversationID = body.ConversationID
			data, _ := json.Marshal(f)
			if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
				t.Errorf("push: %v", err)
			}
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHubDialReadsConnectionID(t *testing.T) {
	srv := newFakeBackend(t, nil)
	hub := NewHub("ws"+strings.TrimPrefix(srv.URL, "http")+"/hubs/log", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := hub.Dial(ctx, "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if conn.ID() != "conn-42" {
		t.Errorf("ID = %q, want conn-42", conn.ID())
	}
}

func TestStreamingExchangeYieldsChunks(t *testing.T) {
	srv := newFakeBackend(t, []Frame{
		{Type: FrameChunk, MessageID: "m1", Content: "Hel"},
		{Type: FrameLog, Message: "unrelated"},
		{Type: FrameChunk, MessageID: "m1", Content: "Hello"},
		{Type: FrameChunk, MessageID: "m1", Content: "Hello!", Final: true},
	})
	client, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub("ws"+strings.TrimPrefix(srv.URL, "http")+"/hubs/log", nil)
	ex := NewExchanger(client, hub, staticTokens{token: "tok", ok: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var contents []string
	var final bool
	for chunk, err := range ex.Exchange(ctx, chat.ExchangeRequest{ConversationID: "conv-1", ContainerID: "c", Message: "hi"}) {
		if err != nil {
			t.Fatalf("exchange: %v", err)
		}
		contents = append(contents, chunk.Content)
		final = chunk.Final
	}

	if strings.Join(contents, "|") != "Hel|Hello|Hello!" {
		t.Errorf("contents = %v", contents)
	}
	if !final {
		t.Error("last chunk should be final")
	}
}
