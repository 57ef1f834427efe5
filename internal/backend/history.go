package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/vpsdeck/internal/chat"
)

// History adapts GetChat to chat.HistorySource.
type History struct {
	client *Client
	tokens TokenSource
}

var _ chat.HistorySource = (*History)(nil)

// NewHistory creates a history source.
func NewHistory(client *Client, tokens TokenSource) *History {
	return &History{client: client, tokens: tokens}
}

// History implements chat.HistorySource.
func (h *History) History(ctx context.Context, conversationID string) ([]chat.Message, error) {
	token, ok := h.tokens.Token()
	if !ok {
		return nil, fmt.Errorf("load history: %w", ErrUnauthorized)
	}
	entries, err := h.client.GetChat(ctx, token, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, chat.Message{
			ID:        e.ID,
			Role:      normalizeRole(e.Role),
			Content:   e.Content,
			CreatedAt: e.CreatedAt,
		})
	}
	return out, nil
}

func normalizeRole(r string) chat.Role {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "user":
		return chat.RoleUser
	case "system":
		return chat.RoleSystem
	default:
		return chat.RoleAssistant
	}
}
