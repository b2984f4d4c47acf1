package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTurnCompleted       EventType = "turn_completed"
	EventTurnFailed          EventType = "turn_failed"
	EventTurnTimeout         EventType = "turn_timeout"
	EventTurnCancelled       EventType = "turn_cancelled"
	EventMessageAppended     EventType = "message_appended"
	EventConversationCreated EventType = "conversation_created"
	EventConversationRenamed EventType = "conversation_renamed"
	EventConversationDeleted EventType = "conversation_deleted"
	EventConversationCleared EventType = "conversation_cleared"
)

// ConversationEvent is an audit record published when a conversation or turn changes state.
type ConversationEvent struct {
	ID               string         `json:"id"`
	ConversationUUID string         `json:"conversation_uuid,omitempty"`
	OwnerID          string         `json:"owner_id"`
	Type             EventType      `json:"type"`
	Reason           string         `json:"reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Sequence         uint64         `json:"sequence,omitempty"`
}

// ListEventsResponse is a page of replayed conversation events.
type ListEventsResponse struct {
	Events       []ConversationEvent `json:"events"`
	LastSequence uint64              `json:"last_sequence"`
	HasMore      bool                `json:"has_more"`
}
