// Package model defines data structures for the handoff engine.
package model

import (
	"time"
)

// Conversation identifies a single visitor session against one chatbot.
// It is created on the first visitor message and never deleted by the
// engine; messages within it form an append-only, totally ordered sequence.
type Conversation struct {
	ID        string    `json:"id"`
	ChatbotID string    `json:"chatbot_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`

	// MessageCount is populated on read for display purposes.
	MessageCount int `json:"message_count,omitempty"`
}

// ListMessagesResponse is the response for a catch-up fetch.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	LastSeq  uint64    `json:"last_seq"`
}
