// Package store provides the local transcript cache.
package store

import (
	"context"
	"time"

	"github.com/ashureev/vpsdeck/internal/chat"
	"github.com/ashureev/vpsdeck/internal/domain"
)

// Repository persists conversations and their terminal messages.
type Repository interface {
	// RecordMessage upserts a message and touches its conversation.
	RecordMessage(ctx context.Context, conversationID, containerID string, m chat.Message) error

	// History returns a conversation's messages in insertion order.
	History(ctx context.Context, conversationID string) ([]chat.Message, error)

	// GetConversation returns a conversation header, or nil when absent.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// ListConversations returns conversations for a container, newest first.
	// An empty containerID lists every conversation.
	ListConversations(ctx context.Context, containerID string) ([]*domain.Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, conversationID string) error

	// DeleteStaleConversations removes conversations untouched for olderThan.
	DeleteStaleConversations(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

var (
	_ chat.Recorder      = Repository(nil)
	_ chat.HistorySource = Repository(nil)
)
