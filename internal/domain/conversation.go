package domain

import "time"

// Conversation is a cached chat transcript header.
type Conversation struct {
	ID           string    `json:"id"`
	ContainerID  string    `json:"containerId"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
