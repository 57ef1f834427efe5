package backend

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/ashureev/vpsdeck/internal/chat"
)

// TokenSource supplies the bearer credential for outbound calls.
type TokenSource interface {
	Token() (string, bool)
}

// Exchanger implements chat.Exchanger over the REST API, optionally
// streaming the reply through the push channel.
type Exchanger struct {
	client *Client
	hub    *Hub
	tokens TokenSource
	logger *slog.Logger
}

var _ chat.Exchanger = (*Exchanger)(nil)

// NewExchanger creates an exchanger. A nil hub selects single-payload mode.
func NewExchanger(client *Client, hub *Hub, tokens TokenSource, logger *slog.Logger) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{client: client, hub: hub, tokens: tokens, logger: logger}
}

// Streaming reports whether replies arrive as push channel chunks.
func (e *Exchanger) Streaming() bool { return e.hub != nil }

// Exchange implements chat.Exchanger.
func (e *Exchanger) Exchange(ctx context.Context, req chat.ExchangeRequest) iter.Seq2[*chat.Chunk, error] {
	return func(yield func(*chat.Chunk, error) bool) {
		token, ok := e.tokens.Token()
		if !ok {
			yield(nil, fmt.Errorf("send message: %w", ErrUnauthorized))
			return
		}
		body := SendMessageRequest{
			Message:        req.Message,
			ContainerID:    req.ContainerID,
			ConversationID: req.ConversationID,
		}
		if e.hub == nil {
			e.single(ctx, token, body, yield)
			return
		}
		e.stream(ctx, token, body, yield)
	}
}

func (e *Exchanger) single(ctx context.Context, token string, body SendMessageRequest, yield func(*chat.Chunk, error) bool) {
	reply, err := e.client.SendMessage(ctx, token, body)
	if err != nil {
		yield(nil, err)
		return
	}
	yield(&chat.Chunk{Content: reply, Final: true}, nil)
}

// stream establishes the push channel before posting so that no chunk can
// arrive for a connection id the gateway is not listening on yet.
//
//nolint:gocognit // Coordinates the REST call and push channel frames in one select loop.
func (e *Exchanger) stream(ctx context.Context, token string, body SendMessageRequest, yield func(*chat.Chunk, error) bool) {
	conn, err := e.hub.Dial(ctx, token)
	if err != nil {
		yield(nil, err)
		return
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			e.logger.Debug("failed to close push channel", "error", closeErr)
		}
	}()
	body.ConnectionID = conn.ID()

	type result struct {
		reply string
		err   error
	}
	sent := make(chan result, 1)
	go func() {
		reply, err := e.client.SendMessage(ctx, token, body)
		sent <- result{reply: reply, err: err}
	}()

	var (
		posted    bool
		lastReply string
		gotChunk  bool
	)
	frames := conn.Frames()
	for {
		select {
		case <-ctx.Done():
			yield(nil, ctx.Err())
			return
		case res := <-sent:
			if res.err != nil {
				yield(nil, res.err)
				return
			}
			posted = true
			lastReply = res.reply
			sent = nil
		case f, ok := <-frames:
			if !ok {
				// The REST reply is authoritative when the channel drops.
				if posted && lastReply != "" {
					yield(&chat.Chunk{Content: lastReply, Final: true}, nil)
					return
				}
				err := conn.Err()
				if err == nil {
					err = ErrHubClosed
				}
				yield(nil, err)
				return
			}
			switch f.Type {
			case FrameChunk:
				if f.ConversationID != "" && f.ConversationID != body.ConversationID {
					continue
				}
				gotChunk = true
				if !yield(&chat.Chunk{MessageID: f.MessageID, Content: f.Content, Final: f.Final}, nil) {
					return
				}
				if f.Final {
					return
				}
			case FrameError:
				yield(nil, fmt.Errorf("%w: %s", ErrHubClosed, f.Message))
				return
			}
		}
		// Backends that answer inline without pushing anything.
		if posted && !gotChunk && lastReply != "" {
			yield(&chat.Chunk{Content: lastReply, Final: true}, nil)
			return
		}
	}
}
