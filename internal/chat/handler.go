package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/vpsdeck/internal/config"
	"github.com/ashureev/vpsdeck/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	streamBuffer              = 64
)

// Handler exposes conversations over HTTP and streams their events as SSE.
type Handler struct {
	registry  *Registry
	limiter   *sendLimiter
	queue     *eventQueue
	done      chan struct{}
	closeOnce sync.Once

	// feedMu orders event ids, the replay queue and the set of live
	// connections, so a connecting stream sees every event exactly once.
	feedMu       sync.Mutex
	conns        map[string]map[int64]*streamConn // conversationID -> connID -> conn
	eventCounter int64
	connCounter  int64

	keepalive    time.Duration
	retryDelay   time.Duration
	writeTimeout time.Duration
	maxBodySize  int64
}

// NewHandler creates a handler and attaches it as the registry observer.
func NewHandler(registry *Registry, cfg *config.Config) *Handler {
	h := &Handler{
		registry:     registry,
		queue:        newEventQueue(256),
		done:         make(chan struct{}),
		conns:        make(map[string]map[int64]*streamConn),
		keepalive:    10 * time.Second,
		retryDelay:   5 * time.Second,
		writeTimeout: 10 * time.Second,
		maxBodySize:  defaultMaxRequestBodySize,
	}
	rateLimit, rateBurst := 1.0, 3
	if cfg != nil {
		rateLimit, rateBurst = cfg.Chat.RateLimit, cfg.Chat.RateBurst
		if cfg.SSE.KeepaliveInterval > 0 {
			h.keepalive = cfg.SSE.KeepaliveInterval
		}
		if cfg.SSE.RetryDelay > 0 {
			h.retryDelay = cfg.SSE.RetryDelay
		}
		if cfg.SSE.MaxRequestBodySize > 0 {
			h.maxBodySize = cfg.SSE.MaxRequestBodySize
		}
	}
	h.limiter = newSendLimiter(rateLimit, rateBurst)
	registry.SetObserver(h.observe)
	registry.OnForget(h.forget)
	return h
}

// RegisterRoutes registers chat routes. Callers gate them as private.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleOpen)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.HandleSnapshot)
			r.Post("/send", h.HandleSend)
			r.Post("/stop", h.HandleStop)
			r.Post("/regenerate", h.HandleRegenerate)
			r.Get("/stream", h.HandleStream)
		})
	})
}

// Close ends open streams and stops the limiter eviction.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.limiter.close()
	})
}

type openRequest struct {
	ConversationID string `json:"conversationId"`
	ContainerID    string `json:"containerId"`
}

type sendRequest struct {
	Message string `json:"message"`
}

// HandleOpen handles POST /api/chat. A missing conversation id starts a new
// conversation.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ContainerID) == "" {
		writeError(w, http.StatusBadRequest, "containerId is required")
		return
	}
	status := http.StatusOK
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
		status = http.StatusCreated
	}
	c := h.registry.Open(r.Context(), req.ConversationID, req.ContainerID)
	writeJSON(w, status, c.Snapshot())
}

// HandleSnapshot handles GET /api/chat/{conversationID}. When the
// conversation is not open yet, the container query parameter opens it.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// HandleSend handles POST /api/chat/{conversationID}/send.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}

	sessionID := identity.SessionIDFromContext(r.Context())
	if !h.limiter.allow(sessionID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	slog.Info("Chat send",
		"conversation_id", c.ID(),
		"session_id", sessionID,
		"email", identity.EmailFromContext(r.Context()),
		"message_length", len(req.Message),
	)
	if !c.Send(req.Message) {
		writeError(w, http.StatusConflict, "a reply is already pending")
		return
	}
	writeJSON(w, http.StatusAccepted, c.Snapshot())
}

// HandleStop handles POST /api/chat/{conversationID}/stop.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}
	c.Stop()
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// HandleRegenerate handles POST /api/chat/{conversationID}/regenerate.
func (h *Handler) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}
	if !h.limiter.allow(identity.SessionIDFromContext(r.Context())) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !c.Regenerate() {
		writeError(w, http.StatusConflict, "nothing to regenerate")
		return
	}
	writeJSON(w, http.StatusAccepted, c.Snapshot())
}

// HandleStream handles GET /api/chat/{conversationID}/stream: a snapshot
// event, then every transcript event with an id for Last-Event-ID replay.
//
//nolint:gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	conversationID := c.ID()
	sessionID := identity.SessionIDFromContext(r.Context())

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	err := h.write(rc, func() error {
		_, err := fmt.Fprintf(w, "retry: %d\n\n", h.retryDelay.Milliseconds())
		return err
	})
	if err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "conversation_id", conversationID)
		return
	}
	flusher.Flush()

	conn := newStreamConn(conversationID, sessionID, streamBuffer)

	// Register and read the replay under feedMu: everything up to now comes
	// from the queue, everything later arrives on conn.events.
	h.feedMu.Lock()
	h.connCounter++
	conn.id = h.connCounter
	if _, exists := h.conns[conversationID]; !exists {
		h.conns[conversationID] = make(map[int64]*streamConn)
	}
	h.conns[conversationID][conn.id] = conn
	var missed []*queuedEvent
	replay := false
	if lastEventID > 0 {
		missed, replay = h.queue.since(conversationID, lastEventID)
	}
	h.feedMu.Unlock()

	defer func() {
		h.feedMu.Lock()
		if byConv, exists := h.conns[conversationID]; exists {
			delete(byConv, conn.id)
			if len(byConv) == 0 {
				delete(h.conns, conversationID)
			}
		}
		h.feedMu.Unlock()
		slog.Info("Chat stream closed",
			"conversation_id", conversationID,
			"session_id", conn.sessionID,
			"conn_id", conn.id,
			"duration_ms", time.Since(conn.connectedAt).Milliseconds(),
		)
	}()

	if replay {
		slog.Info("Chat stream reconnecting",
			"conversation_id", conversationID,
			"last_event_id", lastEventID,
			"missed", len(missed),
		)
		for _, qe := range missed {
			if err = h.write(rc, func() error { return writeEvent(w, qe.ID, string(qe.Event.Kind), qe.Event) }); err != nil {
				break
			}
		}
	} else {
		if lastEventID > 0 {
			slog.Info("Chat stream replay window exceeded, resyncing", "conversation_id", conversationID, "last_event_id", lastEventID)
		}
		snap := c.Snapshot()
		err = h.write(rc, func() error { return writeEvent(w, 0, "snapshot", snap) })
	}
	if err != nil {
		slog.Warn("failed to write initial SSE frames", "error", err, "conversation_id", conversationID)
		return
	}
	flusher.Flush()

	slog.Info("Chat stream connected", "conversation_id", conversationID, "session_id", sessionID, "conn_id", conn.id)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-conn.kicked:
			return
		case qe := <-conn.events:
			if err := h.write(rc, func() error { return writeEvent(w, qe.ID, string(qe.Event.Kind), qe.Event) }); err != nil {
				slog.Warn("Failed to write to chat stream", "error", err, "conn_id", conn.id)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			err := h.write(rc, func() error {
				_, err := io.WriteString(w, "event: ping\ndata: {\"status\":\"alive\"}\n\n")
				return err
			})
			if err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "conversation_id", conversationID)
				return
			}
			flusher.Flush()
		}
	}
}

// write runs fn under a fresh write deadline so a client that stops reading
// cannot pin the stream goroutine.
func (h *Handler) write(rc *http.ResponseController, fn func() error) error {
	if err := rc.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return fn()
}

// observe is the registry observer. Controllers call it while holding their
// emit lock, so it only queues and never writes to a client.
func (h *Handler) observe(ev Event) {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	h.eventCounter++
	qe := &queuedEvent{ID: h.eventCounter, Event: ev}
	h.queue.enqueue(ev.ConversationID, qe)

	for _, conn := range h.conns[ev.ConversationID] {
		if !conn.deliver(qe) {
			slog.Warn("Chat stream fell behind, closing for resync",
				"conversation_id", ev.ConversationID,
				"session_id", conn.sessionID,
				"conn_id", conn.id,
			)
		}
	}
}

// forget drops the replay queue of a deleted conversation and ends its
// streams.
func (h *Handler) forget(conversationID string) {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	h.queue.drop(conversationID)
	for _, conn := range h.conns[conversationID] {
		conn.kick()
	}
}

func (h *Handler) controller(w http.ResponseWriter, r *http.Request, openIfMissing bool) (*Controller, bool) {
	id := chi.URLParam(r, "conversationID")
	c, err := h.registry.Get(id)
	if err == nil {
		return c, true
	}
	if errors.Is(err, ErrUnknownConversation) && openIfMissing {
		if container := r.URL.Query().Get("container"); container != "" {
			return h.registry.Open(r.Context(), id, container), true
		}
	}
	writeError(w, http.StatusNotFound, "conversation not found")
	return nil, false
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeEvent(w io.Writer, id int64, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if id > 0 {
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
