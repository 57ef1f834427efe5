package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Frame types pushed by the hub.
const (
	FrameConnected = "connected"
	FrameLog       = "log"
	FrameChunk     = "chunk"
	FrameError     = "error"
)

const defaultHandshakeTimeout = 10 * time.Second

// ErrHubClosed is returned when the push channel ends unexpectedly.
var ErrHubClosed = errors.New("push channel closed")

// Frame is one push channel message. The first frame of every connection is
// FrameConnected and carries the ConnectionID the REST API expects.
type Frame struct {
	Type           string `json:"type"`
	ConnectionID   string `json:"connectionId,omitempty"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Content        string `json:"content,omitempty"`
	Final          bool   `json:"final,omitempty"`
}

// Hub dials the backend push channel.
type Hub struct {
	url              string
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// NewHub creates a hub dialer for a ws:// or wss:// URL.
func NewHub(url string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{url: url, handshakeTimeout: defaultHandshakeTimeout, logger: logger}
}

// HubConn is an open push channel connection.
type HubConn struct {
	conn   *websocket.Conn
	id     string
	frames chan Frame
	logger *slog.Logger

	mu  sync.Mutex
	err error

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a connection and waits for its connection id.
func (h *Hub) Dial(ctx context.Context, token string) (*HubConn, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, h.handshakeTimeout)
	defer cancelDial()

	ws, resp, err := websocket.Dial(dialCtx, h.url, &websocket.DialOptions{HTTPHeader: hdr})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial push channel: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial push channel: %w: %w", ErrNetworkUnavailable, err)
	}
	ws.SetReadLimit(1 << 20)

	var first Frame
	if err := readFrame(dialCtx, ws, &first); err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, fmt.Errorf("read push channel handshake: %w", err)
	}
	if first.Type != FrameConnected || first.ConnectionID == "" {
		_ = ws.Close(websocket.StatusProtocolError, "unexpected handshake")
		return nil, fmt.Errorf("push channel handshake: %w: got %q frame", ErrMalformedResponse, first.Type)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &HubConn{
		conn:   ws,
		id:     first.ConnectionID,
		frames: make(chan Frame, 64),
		logger: h.logger.With("connection_id", first.ConnectionID),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop(readCtx)
	c.logger.Debug("Push channel connected")
	return c, nil
}

// ID returns the connection id to hand to REST calls.
func (c *HubConn) ID() string { return c.id }

// Frames delivers pushed frames. It is closed when the connection ends;
// Err then reports why.
func (c *HubConn) Frames() <-chan Frame { return c.frames }

// Err returns the error that ended the connection, or nil after Close.
func (c *HubConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *HubConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "done")
	})
	return err
}

func (c *HubConn) readLoop(ctx context.Context) {
	defer close(c.frames)
	for {
		var f Frame
		if err := readFrame(ctx, c.conn, &f); err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.err = fmt.Errorf("%w: %w", ErrHubClosed, err)
				c.mu.Unlock()
				if websocket.CloseStatus(err) == -1 {
					c.logger.Warn("Push channel read error", "error", err)
				}
			}
			return
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

func readFrame(ctx context.Context, ws *websocket.Conn, f *Frame) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}
