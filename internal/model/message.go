package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleVisitor   Role = "visitor"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
)

// Valid reports whether r is a known sender role.
func (r Role) Valid() bool {
	switch r {
	case RoleVisitor, RoleAssistant, RoleAgent:
		return true
	}
	return false
}

// Message is one utterance in a conversation. Messages are immutable once
// created. Agent-role messages may only exist while a handoff for the
// conversation is active, attributable to the accepting agent via the handoff.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// SuggestedQuestions are follow-up prompts shown to the visitor,
	// populated for assistant-role messages only.
	SuggestedQuestions []string `json:"suggested_questions,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Seq is the persistence commit order, populated on write. Subscribers
	// observe messages of one conversation in ascending Seq order.
	Seq uint64 `json:"seq,omitempty"`
}
