// Package model defines data structures shared by the relay, the stores and the HTTP layer.
package model

import (
	"time"
)

// DefaultTitle is the title given to conversations created without one.
const DefaultTitle = "New Chat"

// Conversation is an owner-scoped thread of persisted messages.
type Conversation struct {
	UUID      string    `json:"uuid"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateConversationRequest is the request to create a new conversation.
// UUID is chosen by the client.
type CreateConversationRequest struct {
	UUID  string `json:"uuid"`
	Title string `json:"title,omitempty"`
}

// UpdateConversationRequest is the request to rename a conversation.
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// ConversationDetail is a conversation together with its message log.
type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}
