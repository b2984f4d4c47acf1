package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/chatrelay/internal/store"
)

const (
	maxConversationIDLen = 64
	maxTitleLen          = 256
	maxPromptLen         = 100000
)

// ValidatePrompt validates the prompt of a chat turn.
func ValidatePrompt(prompt string) error {
	if len(prompt) == 0 {
		return errors.New("prompt cannot be empty")
	}
	if len(prompt) > maxPromptLen {
		return errors.New("prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("prompt must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a client-chosen conversation id.
func ValidateConversationID(id string) error {
	if len(id) == 0 {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > maxConversationIDLen {
		return errors.New("conversation ID exceeds maximum length")
	}
	if strings.ContainsAny(id, "/\\") || !utf8.ValidString(id) {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > maxTitleLen {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// ValidateBlobKey validates a content store key.
func ValidateBlobKey(key string) error {
	if !store.ValidKey(key) {
		return errors.New("invalid blob key")
	}
	return nil
}
