package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateHandoffID validates a handoff ID.
func ValidateHandoffID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid handoff ID format")
	}
	return nil
}

// ValidateChatbotID validates a chatbot ID.
func ValidateChatbotID(id string) error {
	if len(id) == 0 {
		return errors.New("chatbot ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("chatbot ID exceeds maximum length")
	}
	return nil
}

// ValidateVisitorName validates an optional visitor display name.
func ValidateVisitorName(name string) error {
	if len(name) > 256 {
		return errors.New("visitor name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("visitor name must be valid UTF-8")
	}
	return nil
}

// ValidateVisitorEmail validates an optional visitor email. Shape check
// only; deliverability is not the engine's concern.
func ValidateVisitorEmail(email string) error {
	if email == "" {
		return nil
	}
	if len(email) > 320 {
		return errors.New("visitor email exceeds maximum length")
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return errors.New("invalid visitor email format")
	}
	return nil
}
