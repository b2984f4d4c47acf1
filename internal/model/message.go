package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Attachment is the raw transport form of an image or file: a data URL plus metadata.
type Attachment struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Data string `json:"data"`
}

// BlobRef points at a blob in the content store. It never carries the bytes.
type BlobRef struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is a persisted, append-only entry in a conversation log.
type Message struct {
	ID               int64     `json:"id"`
	ConversationUUID string    `json:"conversation_uuid"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	Images           []BlobRef `json:"images"`
	Files            []BlobRef `json:"files"`
	Thinking         string    `json:"thinking,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewMessage is the input to a store append. Attachments must already be refs.
type NewMessage struct {
	Role     Role
	Content  string
	Images   []BlobRef
	Files    []BlobRef
	Thinking string
}

// AppendMessageRequest is the HTTP request to append a message.
// Images are data URLs; files carry name and mime type alongside their data URL.
type AppendMessageRequest struct {
	Role     Role         `json:"role"`
	Content  string       `json:"content"`
	Images   []string     `json:"images,omitempty"`
	Files    []Attachment `json:"files,omitempty"`
	Thinking string       `json:"thinking,omitempty"`
}
