package backend

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// SendMessageRequest is the body of POST /chat/send.
type SendMessageRequest struct {
	Message        string `json:"message"`
	ContainerID    string `json:"containerId"`
	ConversationID string `json:"conversationId,omitempty"`
	// ConnectionID asks the backend to stream the reply as hub chunks.
	ConnectionID string `json:"connectionId,omitempty"`
}

// HistoryMessage is one entry of GET /chat/getChat/{id}.
type HistoryMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SendMessage posts a chat message and returns the reply body as text.
func (c *Client) SendMessage(ctx context.Context, token string, req SendMessageRequest) (string, error) {
	var reply string
	if err := c.do(ctx, http.MethodPost, "/chat/send", token, req, &reply); err != nil {
		return "", err
	}
	return reply, nil
}

// GetChat returns the stored transcript of a conversation.
func (c *Client) GetChat(ctx context.Context, token, conversationID string) ([]HistoryMessage, error) {
	var out []HistoryMessage
	if err := c.do(ctx, http.MethodGet, "/chat/getChat/"+url.PathEscape(conversationID), token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
