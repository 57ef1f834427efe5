package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultExchangeTimeout = 2 * time.Minute
	recordTimeout          = 5 * time.Second
)

// Controller owns one conversation transcript and its Idle/AwaitingResponse
// state machine. Send, Stop and Regenerate return immediately; exchanges run
// on their own goroutine and report only through state and events.
type Controller struct {
	id          string
	containerID string
	exchanger   Exchanger
	recorder    Recorder
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	messages map[string]*Message
	order    []string
	pending  bool
	lastErr  error
	epoch    uint64
	cancel   context.CancelFunc
	closed   bool

	// emitMu keeps events ordered across goroutines. It is taken before mu is
	// released, so subscribers must not mutate the controller.
	emitMu sync.Mutex
	subsMu sync.Mutex
	subsID int
	subs   map[int]func(Event)

	wg sync.WaitGroup
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithExchangeTimeout bounds each exchange.
func WithExchangeTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRecorder persists terminal messages.
func WithRecorder(r Recorder) ControllerOption {
	return func(c *Controller) { c.recorder = r }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHistory seeds the transcript. Seeded messages keep their ids and order.
func WithHistory(msgs []Message) ControllerOption {
	return func(c *Controller) {
		for _, m := range msgs {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if _, dup := c.messages[m.ID]; dup {
				continue
			}
			if m.Status == "" {
				m.Status = defaultHistoryStatus(m.Role)
			}
			msg := m
			c.messages[m.ID] = &msg
			c.order = append(c.order, m.ID)
		}
	}
}

func defaultHistoryStatus(r Role) Status {
	if r == RoleUser {
		return StatusDelivered
	}
	return StatusComplete
}

// NewController creates an idle controller for one conversation.
func NewController(conversationID, containerID string, exchanger Exchanger, opts ...ControllerOption) *Controller {
	c := &Controller{
		id:          conversationID,
		containerID: containerID,
		exchanger:   exchanger,
		timeout:     defaultExchangeTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
		messages:    make(map[string]*Message),
		subs:        make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conversation_id", conversationID)
	return c
}

// ID returns the conversation id.
func (c *Controller) ID() string { return c.id }

// ContainerID returns the container the conversation is bound to.
func (c *Controller) ContainerID() string { return c.containerID }

// Pending reports whether an exchange is in flight.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// LastError returns the most recent exchange failure, cleared by the next
// successful send.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Messages returns the transcript in insertion order.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesLocked()
}

// Snapshot returns the full conversation state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ConversationID: c.id,
		ContainerID:    c.containerID,
		Messages:       c.messagesLocked(),
		Pending:        c.pending,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Controller) messagesLocked() []Message {
	out := make([]Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.messages[id])
	}
	return out
}

// Subscribe registers fn for every event and returns an unsubscribe func.
// fn runs synchronously and must not call Send, Stop or Regenerate.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.subsMu.Lock()
	id := c.subsID
	c.subsID++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// Send appends a provisional user message and starts an exchange. It returns
// false without any state change for blank input, while an exchange is in
// flight, or after Close.
func (c *Controller) Send(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	c.mu.Lock()
	if c.pending || c.closed {
		c.mu.Unlock()
		return false
	}
	msg := &Message{
		ID:        c.newID(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: c.now(),
		Status:    StatusPending,
	}
	c.messages[msg.ID] = msg
	c.order = append(c.order, msg.ID)
	events := []Event{c.messageEventLocked(msg)}
	events = append(events, c.beginLocked(msg.ID, text)...)
	c.emitUnlock(events)
	return true
}

// Regenerate re-issues the exchange for the most recent user message without
// appending a new one. It returns false when there is no user message yet,
// while an exchange is in flight, or after Close.
func (c *Controller) Regenerate() bool {
	c.mu.Lock()
	if c.pending || c.closed {
		c.mu.Unlock()
		return false
	}
	var last *Message
	for i := len(c.order) - 1; i >= 0; i-- {
		if m := c.messages[c.order[i]]; m.Role == RoleUser {
			last = m
			break
		}
	}
	if last == nil {
		c.mu.Unlock()
		return false
	}
	last.Status = StatusPending
	events := []Event{c.messageEventLocked(last)}
	events = append(events, c.beginLocked(last.ID, last.Content)...)
	c.emitUnlock(events)
	return true
}

// beginLocked flips to AwaitingResponse and launches the exchange.
func (c *Controller) beginLocked(userMsgID, text string) []Event {
	c.pending = true
	c.lastErr = nil
	c.epoch++
	epoch := c.epoch

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.cancel = cancel

	req := ExchangeRequest{
		ConversationID: c.id,
		ContainerID:    c.containerID,
		Message:        text,
	}
	c.wg.Add(1)
	go c.run(ctx, cancel, epoch, userMsgID, req)

	return []Event{c.stateEventLocked()}
}

// Stop cancels the in-flight exchange. Any late chunk or result of that
// exchange is discarded. It is a no-op while idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.pending {
		c.mu.Unlock()
		return
	}
	c.epoch++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.pending = false

	var events []Event
	var terminal []Message
	for _, id := range c.order {
		m := c.messages[id]
		if m.Status == StatusPending || m.Status == StatusStreaming {
			m.Status = StatusCancelled
			events = append(events, c.messageEventLocked(m))
			terminal = append(terminal, *m)
		}
	}
	events = append(events, c.stateEventLocked())
	c.logger.Info("Chat exchange stopped")
	c.emitUnlock(events)
	c.record(terminal...)
}

// Close stops any exchange and waits for its goroutine to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Stop()
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, epoch uint64, userMsgID string, req ExchangeRequest) {
	defer c.wg.Done()
	defer cancel()

	start := c.now()
	fallbackID := c.newID()
	var replyID string

	for chunk, err := range c.exchanger.Exchange(ctx, req) {
		if err != nil {
			c.fail(epoch, userMsgID, replyID, err)
			return
		}
		if chunk == nil {
			continue
		}
		id, current := c.applyChunk(epoch, fallbackID, chunk)
		if !current {
			return
		}
		if id != "" {
			replyID = id
		}
		if chunk.Final {
			c.complete(epoch, userMsgID, replyID, start)
			return
		}
	}

	switch {
	case ctx.Err() != nil:
		c.fail(epoch, userMsgID, replyID, ctx.Err())
	case replyID == "":
		c.fail(epoch, userMsgID, replyID, ErrEmptyReply)
	default:
		c.complete(epoch, userMsgID, replyID, start)
	}
}

// applyChunk inserts or extends the assistant message named by the chunk. It
// returns the message id the chunk resolved to ("" when dropped) and whether
// the exchange is still current.
func (c *Controller) applyChunk(epoch uint64, fallbackID string, chunk *Chunk) (string, bool) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Debug("Discarding chunk from stale exchange")
		return "", false
	}

	id := chunk.MessageID
	if id == "" {
		id = fallbackID
	}

	m, exists := c.messages[id]
	switch {
	case !exists:
		if chunk.Content == "" && !chunk.Final {
			c.mu.Unlock()
			return "", true
		}
		m = &Message{
			ID:        id,
			Role:      RoleAssistant,
			Content:   chunk.Content,
			CreatedAt: c.now(),
			Status:    StatusStreaming,
		}
		c.messages[id] = m
		c.order = append(c.order, id)
	case m.Role != RoleAssistant || m.Status.Terminal():
		c.mu.Unlock()
		c.logger.Debug("Dropping chunk for frozen message", "message_id", id)
		return "", true
	case !strings.HasPrefix(chunk.Content, m.Content):
		c.mu.Unlock()
		c.logger.Debug("Dropping non-extending chunk", "message_id", id,
			"have_len", len(m.Content), "chunk_len", len(chunk.Content))
		return "", true
	case chunk.Content == m.Content && !chunk.Final:
		c.mu.Unlock()
		return id, true
	default:
		m.Content = chunk.Content
	}
	if chunk.Final {
		m.Status = StatusComplete
	}
	c.emitUnlock([]Event{c.messageEventLocked(m)})
	return id, true
}

func (c *Controller) complete(epoch uint64, userMsgID, replyID string, start time.Time) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.cancel = nil

	var events []Event
	var terminal []Message
	if u, ok := c.messages[userMsgID]; ok {
		u.Status = StatusDelivered
		events = append(events, c.messageEventLocked(u))
		terminal = append(terminal, *u)
	}
	if r, ok := c.messages[replyID]; ok {
		if r.Status != StatusComplete {
			r.Status = StatusComplete
			events = append(events, c.messageEventLocked(r))
		}
		terminal = append(terminal, *r)
	}
	events = append(events, c.stateEventLocked())
	c.logger.Info("Chat exchange completed", "reply_id", replyID, "duration_ms", c.now().Sub(start).Milliseconds())
	c.emitUnlock(events)
	c.record(terminal...)
}

func (c *Controller) fail(epoch uint64, userMsgID, replyID string, cause error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.cancel = nil
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: timed out after %s", ErrExchangeFailed, c.timeout)
	} else {
		cause = fmt.Errorf("%w: %w", ErrExchangeFailed, cause)
	}
	c.lastErr = cause

	var events []Event
	var terminal []Message
	// A partially streamed reply is not an answer.
	if r, ok := c.messages[replyID]; ok && r.Status == StatusStreaming {
		c.removeLocked(replyID)
		removed := c.messageEventLocked(r)
		removed.Kind = EventRemoved
		events = append(events, removed)
	}
	if u, ok := c.messages[userMsgID]; ok {
		u.Status = StatusFailed
		events = append(events, c.messageEventLocked(u))
		terminal = append(terminal, *u)
	}
	events = append(events, c.stateEventLocked())
	c.logger.Warn("Chat exchange failed", "error", cause)
	c.emitUnlock(events)
	c.record(terminal...)
}

func (c *Controller) removeLocked(id string) {
	delete(c.messages, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Controller) messageEventLocked(m *Message) Event {
	cp := *m
	return Event{
		Kind:           EventMessage,
		ConversationID: c.id,
		Message:        &cp,
		Pending:        c.pending,
	}
}

func (c *Controller) stateEventLocked() Event {
	ev := Event{Kind: EventState, ConversationID: c.id, Pending: c.pending}
	if c.lastErr != nil {
		ev.LastError = c.lastErr.Error()
	}
	return ev
}

// emitUnlock releases mu and delivers events in order.
func (c *Controller) emitUnlock(events []Event) {
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	if len(events) == 0 {
		return
	}
	c.subsMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (c *Controller) record(msgs ...Message) {
	if c.recorder == nil || len(msgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	for _, m := range msgs {
		if err := c.recorder.RecordMessage(ctx, c.id, c.containerID, m); err != nil {
			c.logger.Warn("Failed to record chat message", "message_id", m.ID, "error", err)
		}
	}
}
