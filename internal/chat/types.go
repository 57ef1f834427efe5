// Package chat implements the per-conversation transcript controller and its
// HTTP surface.
package chat

import (
	"context"
	"errors"
	"iter"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks the delivery state of a message.
type Status string

const (
	// StatusPending marks a user message whose exchange is in flight.
	StatusPending Status = "pending"
	// StatusDelivered marks a user message the backend answered.
	StatusDelivered Status = "delivered"
	// StatusFailed marks a user message whose exchange failed.
	StatusFailed Status = "failed"
	// StatusCancelled marks a message whose exchange was stopped.
	StatusCancelled Status = "cancelled"
	// StatusStreaming marks an assistant message still receiving chunks.
	StatusStreaming Status = "streaming"
	// StatusComplete marks a finalized assistant message.
	StatusComplete Status = "complete"
)

// Terminal reports whether no further change to the message is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled, StatusComplete:
		return true
	default:
		return false
	}
}

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// Snapshot is a consistent copy of a conversation.
type Snapshot struct {
	ConversationID string    `json:"conversationId"`
	ContainerID    string    `json:"containerId"`
	Messages       []Message `json:"messages"`
	Pending        bool      `json:"isPending"`
	LastError      string    `json:"lastError,omitempty"`
}

// EventKind discriminates Event payloads.
type EventKind string

const (
	// EventMessage carries an inserted or updated message.
	EventMessage EventKind = "message"
	// EventState carries a pending or error change.
	EventState EventKind = "state"
	// EventRemoved names a message dropped from the transcript.
	EventRemoved EventKind = "removed"
)

// Event is emitted to subscribers for every transcript change, in order.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversationId"`
	Message        *Message  `json:"message,omitempty"`
	Pending        bool      `json:"isPending"`
	LastError      string    `json:"lastError,omitempty"`
}

// ExchangeRequest is what the controller asks the backend to answer.
type ExchangeRequest struct {
	ConversationID string
	ContainerID    string
	Message        string
}

// Chunk is one piece of an assistant reply. In single-payload mode the
// exchanger yields exactly one chunk with Final set. In streaming mode each
// chunk carries the full content so far under a stable MessageID.
type Chunk struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Final     bool   `json:"final"`
}

// Exchanger performs one request/response exchange with the backend.
// The sequence ends after the final chunk or the first error.
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) iter.Seq2[*Chunk, error]
}

// HistorySource loads an existing transcript when a conversation is reopened.
type HistorySource interface {
	History(ctx context.Context, conversationID string) ([]Message, error)
}

// Recorder persists messages once they reach a terminal status.
type Recorder interface {
	RecordMessage(ctx context.Context, conversationID, containerID string, m Message) error
}

var (
	// ErrExchangeFailed wraps every exchange failure reported through LastError.
	ErrExchangeFailed = errors.New("chat exchange failed")
	// ErrEmptyReply is reported when an exchange ends without any content.
	ErrEmptyReply = errors.New("empty reply")
)
