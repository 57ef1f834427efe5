package deploylog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vpsdeck/internal/backend"
	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/identity"
)

const (
	defaultBufferLines   = 500
	defaultDeployTimeout = 30 * time.Minute
	defaultDrainGrace    = 500 * time.Millisecond
	writeTimeout         = 5 * time.Second
)

// Deployer starts a model deployment whose log lines are pushed to the push
// channel connection named in the request.
type Deployer interface {
	DeployModel(ctx context.Context, token string, req domain.DeployRequest) error
}

// HubDialer opens push channel connections.
type HubDialer interface {
	Dial(ctx context.Context, token string) (*backend.HubConn, error)
}

// Handler upgrades /ws/deploy/{vpsID} and relays deployment logs.
type Handler struct {
	deployer      Deployer
	hub           HubDialer
	tokens        backend.TokenSource
	sm            *SessionManager
	allowedOrigin string
	isDev         bool

	bufferLines   int
	deployTimeout time.Duration
	drainGrace    time.Duration

	mu      sync.Mutex
	buffers map[string]*LineBuffer
	running map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a relay handler.
func NewHandler(deployer Deployer, hub HubDialer, tokens backend.TokenSource, sm *SessionManager, allowedOrigin string, isDev bool) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		deployer:      deployer,
		hub:           hub,
		tokens:        tokens,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		bufferLines:   defaultBufferLines,
		deployTimeout: defaultDeployTimeout,
		drainGrace:    defaultDrainGrace,
		buffers:       make(map[string]*LineBuffer),
		running:       make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Close aborts running relays and closes every browser socket.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
	h.sm.CloseAll("server shutting down")
}

// inMessage is sent by the browser.
type inMessage struct {
	Type          string `json:"type"`
	ModelID       int    `json:"modelId,omitempty"`
	ExposePort    int    `json:"exposePort,omitempty"`
	Port          int    `json:"port,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
}

// outMessage is sent to the browser.
type outMessage struct {
	Type    string   `json:"type"`
	Message string   `json:"message,omitempty"`
	Lines   []string `json:"lines,omitempty"`
}

// Message types on the browser socket.
const (
	msgDeploy     = "deploy"
	msgPing       = "ping"
	msgPong       = "pong"
	msgTerminate  = "terminate"
	msgTerminated = "terminated"
	msgReplay     = "replay"
	msgLog        = "log"
	msgDone       = "done"
	msgError      = "error"
)

func deployKey(vpsID int) string {
	return "vps-" + strconv.Itoa(vpsID)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vpsID, err := strconv.Atoi(chi.URLParam(r, "vpsID"))
	if err != nil || vpsID <= 0 {
		http.Error(w, "invalid vps id", http.StatusBadRequest)
		return
	}
	key := deployKey(vpsID)
	sessionID := identity.SessionIDFromContext(r.Context())
	email := identity.EmailFromContext(r.Context())
	slog.Info("Deploy log connection request", "email", email, "vps_id", vpsID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "vps_id", vpsID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "vps_id", vpsID)
		}
	}()

	h.sm.Register(key, sessionID, ws)
	defer h.sm.Unregister(key, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if lines := h.buffer(key).Lines(); len(lines) > 0 {
		if err := writeJSON(ctx, ws, outMessage{Type: msgReplay, Lines: lines}); err != nil {
			slog.Debug("Failed to send replay", "error", err, "vps_id", vpsID)
			return
		}
	}

	h.inputLoop(ctx, ws, vpsID, sessionID)
	slog.Info("Deploy log session ended", "vps_id", vpsID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, vpsID int, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "vps_id", vpsID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "vps_id", vpsID)
			}
			return
		}

		var msg inMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = writeJSON(ctx, ws, outMessage{Type: msgError, Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case msgPing:
			if err := writeJSON(ctx, ws, outMessage{Type: msgPong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case msgDeploy:
			if !h.startDeploy(vpsID, msg) {
				_ = writeJSON(ctx, ws, outMessage{Type: msgError, Message: "deployment already in progress"})
			}
		case msgTerminate:
			slog.Info("Deploy log terminate requested", "vps_id", vpsID, "session_id", sessionID)
			if err := writeJSON(ctx, ws, outMessage{Type: msgTerminated}); err != nil {
				slog.Debug("Failed to send terminated acknowledgment", "error", err)
			}
			return
		default:
			_ = writeJSON(ctx, ws, outMessage{Type: msgError, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (h *Handler) buffer(key string) *LineBuffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[key]
	if !ok {
		b = NewLineBuffer(h.bufferLines)
		h.buffers[key] = b
	}
	return b
}

// startDeploy launches a relay unless one is already running for the VPS.
// The relay outlives the requesting socket so other tabs keep receiving lines.
func (h *Handler) startDeploy(vpsID int, msg inMessage) bool {
	key := deployKey(vpsID)

	h.mu.Lock()
	if h.running[key] {
		h.mu.Unlock()
		return false
	}
	h.running[key] = true
	h.mu.Unlock()

	h.buffer(key).Reset()

	req := domain.DeployRequest{
		ModelID:       msg.ModelID,
		VPSID:         vpsID,
		ExposePort:    msg.ExposePort,
		Port:          msg.Port,
		ContainerName: msg.ContainerName,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.running, key)
			h.mu.Unlock()
		}()
		h.relay(key, req)
	}()
	return true
}

func (h *Handler) relay(key string, req domain.DeployRequest) {
	ctx, cancel := context.WithTimeout(h.ctx, h.deployTimeout)
	defer cancel()

	token, ok := h.tokens.Token()
	if !ok {
		h.broadcast(key, outMessage{Type: msgError, Message: "not signed in"})
		return
	}

	conn, err := h.hub.Dial(ctx, token)
	if err != nil {
		slog.Error("Failed to open push channel for deployment", "error", err, "deploy_key", key)
		h.broadcast(key, outMessage{Type: msgError, Message: "push channel unavailable"})
		return
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Debug("Failed to close push channel", "error", closeErr)
		}
	}()

	req.ConnectionID = conn.ID()
	slog.Info("Deployment started", "deploy_key", key, "model_id", req.ModelID, "connection_id", req.ConnectionID)

	done := make(chan error, 1)
	go func() {
		done <- h.deployer.DeployModel(ctx, token, req)
	}()

	frames := conn.Frames()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			h.relayFrame(key, f)
		case err := <-done:
			h.drain(key, frames)
			h.finish(key, err)
			return
		}
	}
}

// drain relays frames that arrive shortly after the deploy call returns.
func (h *Handler) drain(key string, frames <-chan backend.Frame) {
	if frames == nil {
		return
	}
	grace := time.NewTimer(h.drainGrace)
	defer grace.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			h.relayFrame(key, f)
		case <-grace.C:
			return
		}
	}
}

func (h *Handler) relayFrame(key string, f backend.Frame) {
	switch f.Type {
	case backend.FrameLog:
		h.buffer(key).Append(f.Message)
		h.broadcast(key, outMessage{Type: msgLog, Message: f.Message})
	case backend.FrameError:
		h.buffer(key).Append(f.Message)
		h.broadcast(key, outMessage{Type: msgError, Message: f.Message})
	}
}

func (h *Handler) finish(key string, err error) {
	if err == nil {
		slog.Info("Deployment finished", "deploy_key", key)
		h.broadcast(key, outMessage{Type: msgDone})
		return
	}
	slog.Warn("Deployment failed", "deploy_key", key, "error", err)
	msg := "deployment failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "deployment timed out"
	case errors.Is(err, backend.ErrUnauthorized):
		msg = "not authorized"
	}
	h.broadcast(key, outMessage{Type: msgDone, Message: msg})
}

func (h *Handler) broadcast(key string, msg outMessage) {
	for _, ws := range h.sm.conns(key) {
		if err := writeJSON(h.ctx, ws, msg); err != nil {
			slog.Debug("Failed to relay deployment message", "error", err, "deploy_key", key)
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
