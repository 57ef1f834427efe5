package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownConversation is returned for a conversation id never opened.
var ErrUnknownConversation = errors.New("unknown conversation")

// Registry holds one Controller per open conversation.
type Registry struct {
	exchanger Exchanger
	recorder  Recorder
	sources   []HistorySource
	timeout   time.Duration
	logger    *slog.Logger
	observer  func(Event)
	onForget  func(conversationID string)

	mu          sync.Mutex
	controllers map[string]*Controller
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Exchanger Exchanger
	// Recorder persists terminal messages; optional.
	Recorder Recorder
	// Sources are consulted in order when a conversation is reopened; the
	// first one that succeeds seeds the transcript.
	Sources         []HistorySource
	ExchangeTimeout time.Duration
	Logger          *slog.Logger
	// Observer receives every event of every controller; optional.
	Observer func(Event)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		exchanger:   cfg.Exchanger,
		recorder:    cfg.Recorder,
		sources:     cfg.Sources,
		timeout:     cfg.ExchangeTimeout,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		controllers: make(map[string]*Controller),
	}
}

// SetObserver replaces the event observer for controllers opened afterwards.
func (r *Registry) SetObserver(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// OnForget registers fn to run after a conversation is forgotten.
func (r *Registry) OnForget(fn func(conversationID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onForget = fn
}

// Open returns the controller for conversationID, creating and seeding it
// from history on first use.
func (r *Registry) Open(ctx context.Context, conversationID, containerID string) *Controller {
	r.mu.Lock()
	if c, ok := r.controllers[conversationID]; ok {
		r.mu.Unlock()
		return c
	}
	r.mu.Unlock()

	history := r.loadHistory(ctx, conversationID)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have won while history loaded.
	if c, ok := r.controllers[conversationID]; ok {
		return c
	}
	opts := []ControllerOption{
		WithExchangeTimeout(r.timeout),
		WithControllerLogger(r.logger),
		WithHistory(history),
	}
	if r.recorder != nil {
		opts = append(opts, WithRecorder(r.recorder))
	}
	c := NewController(conversationID, containerID, r.exchanger, opts...)
	if r.observer != nil {
		c.Subscribe(r.observer)
	}
	r.controllers[conversationID] = c
	r.logger.Info("Conversation opened",
		"conversation_id", conversationID,
		"container_id", containerID,
		"history_len", len(history),
	)
	return c
}

// Get returns an already opened controller.
func (r *Registry) Get(conversationID string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return c, nil
}

// Forget closes and removes a controller.
func (r *Registry) Forget(conversationID string) {
	r.mu.Lock()
	c, ok := r.controllers[conversationID]
	delete(r.controllers, conversationID)
	onForget := r.onForget
	r.mu.Unlock()
	if ok {
		c.Close()
	}
	if onForget != nil {
		onForget(conversationID)
	}
}

// StopAll cancels every in-flight exchange, e.g. on logout.
func (r *Registry) StopAll() {
	for _, c := range r.snapshot() {
		c.Stop()
	}
}

// Close closes every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.controllers))
	for id, c := range r.controllers {
		all = append(all, c)
		delete(r.controllers, id)
	}
	r.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

func (r *Registry) snapshot() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		all = append(all, c)
	}
	return all
}

func (r *Registry) loadHistory(ctx context.Context, conversationID string) []Message {
	for i, src := range r.sources {
		msgs, err := src.History(ctx, conversationID)
		if err != nil {
			r.logger.Warn("Failed to load conversation history",
				"conversation_id", conversationID,
				"source", i,
				"error", err,
			)
			continue
		}
		return msgs
	}
	return nil
}
