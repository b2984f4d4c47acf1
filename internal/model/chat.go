package model

import (
	"encoding/json"
)

// HistoryEntry is one prior turn replayed as context.
type HistoryEntry struct {
	Text   string `json:"text"`
	IsUser bool   `json:"isUser"`
}

// LastContext links a turn to the previous one.
type LastContext struct {
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// ChatRequest is the relay request consumed by chat-process.
type ChatRequest struct {
	Prompt              string         `json:"prompt"`
	SystemMessage       string         `json:"systemMessage,omitempty"`
	Temperature         *float32       `json:"temperature,omitempty"`
	TopP                *float32       `json:"top_p,omitempty"`
	Model               string         `json:"model,omitempty"`
	Images              []string       `json:"images,omitempty"`
	Files               []Attachment   `json:"files,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversationHistory,omitempty"`
	LastContext         *LastContext   `json:"lastContext,omitempty"`

	// ConversationUUID asks the server to persist both sides of the turn
	// into this conversation. Empty means the caller persists on its own.
	ConversationUUID string `json:"conversationUuid,omitempty"`
}

// ChatMessage is one emitted snapshot of assistant output. Text is cumulative.
type ChatMessage struct {
	ID              string          `json:"id"`
	Text            string          `json:"text"`
	Role            Role            `json:"role"`
	ConversationID  string          `json:"conversationId,omitempty"`
	ParentMessageID string          `json:"parentMessageId,omitempty"`
	Images          []string        `json:"images"`
	Detail          json.RawMessage `json:"detail,omitempty"`
}

// ResultType is the terminal outcome of a relay turn.
type ResultType string

const (
	ResultSuccess   ResultType = "Success"
	ResultFail      ResultType = "Fail"
	ResultCancelled ResultType = "Cancelled"
)

// ChatResult is the terminal value of a turn as seen by callers and clients.
type ChatResult struct {
	Type    ResultType   `json:"type"`
	Message string       `json:"message,omitempty"`
	Data    *ChatMessage `json:"data,omitempty"`
}

// SessionResponse answers POST /api/session.
type SessionResponse struct {
	Auth  bool   `json:"auth"`
	Model string `json:"model"`
}

// ConfigResponse answers POST /api/config.
type ConfigResponse struct {
	Model      string `json:"model"`
	TimeoutMs  int64  `json:"timeoutMs"`
	HTTPSProxy string `json:"httpsProxy,omitempty"`
}
