package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType tags every frame crossing the real-time channel.
type FrameType string

const (
	// Client -> server
	FrameJoin    FrameType = "join"
	FrameMessage FrameType = "message"
	FrameTyping  FrameType = "typing"

	// Server -> client
	FrameQueueChanged FrameType = "queue_changed"
	FrameError        FrameType = "error"
)

// ClientFrame is the sum type for inbound frames. Decoding produces exactly
// one of JoinFrame, MessageFrame, or TypingFrame; transport dispatch is an
// exhaustive type switch so a new frame type is a compile-visible addition.
type ClientFrame interface {
	clientFrame()
}

// JoinFrame subscribes the connection to a conversation topic.
type JoinFrame struct {
	ConversationID string `json:"conversation_id"`
}

// MessageFrame carries one utterance. The sender role is inferred from the
// authenticated connection, never from the frame.
type MessageFrame struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// TypingFrame is an ephemeral typing indicator, never persisted.
type TypingFrame struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func (JoinFrame) clientFrame()    {}
func (MessageFrame) clientFrame() {}
func (TypingFrame) clientFrame()  {}

type frameEnvelope struct {
	Type FrameType `json:"type"`
}

// DecodeClientFrame parses an inbound frame. Unknown types are a protocol
// error, not a silent fallthrough.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case FrameJoin:
		var f JoinFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed join frame: %w", err)
		}
		return &f, nil
	case FrameMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed message frame: %w", err)
		}
		return &f, nil
	case FrameTyping:
		var f TypingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed typing frame: %w", err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

// ServerFrame is an outbound frame. Exactly the fields for the tagged type
// are set; the rest are omitted from the wire encoding.
type ServerFrame struct {
	Type FrameType `json:"type"`

	// message
	ConversationID     string     `json:"conversation_id,omitempty"`
	MessageID          string     `json:"message_id,omitempty"`
	Role               Role       `json:"role,omitempty"`
	Content            string     `json:"content,omitempty"`
	SuggestedQuestions []string   `json:"suggested_questions,omitempty"`
	Timestamp          *time.Time `json:"timestamp,omitempty"`
	Seq                uint64     `json:"seq,omitempty"`

	// typing
	IsTyping *bool `json:"is_typing,omitempty"`

	// queue_changed
	HandoffID string        `json:"handoff_id,omitempty"`
	Status    HandoffStatus `json:"status,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewMessageFrame builds the broadcast frame for a persisted message.
func NewMessageFrame(msg *Message) *ServerFrame {
	ts := msg.CreatedAt
	return &ServerFrame{
		Type:               FrameMessage,
		ConversationID:     msg.ConversationID,
		MessageID:          msg.ID,
		Role:               msg.Role,
		Content:            msg.Content,
		SuggestedQuestions: msg.SuggestedQuestions,
		Timestamp:          &ts,
		Seq:                msg.Seq,
	}
}

// NewTypingFrame builds the broadcast frame for a typing indicator.
func NewTypingFrame(conversationID string, role Role, isTyping bool) *ServerFrame {
	return &ServerFrame{
		Type:           FrameTyping,
		ConversationID: conversationID,
		Role:           role,
		IsTyping:       &isTyping,
	}
}

// NewQueueChangedFrame builds the fan-out frame for a handoff state change.
func NewQueueChangedFrame(handoffID string, status HandoffStatus) *ServerFrame {
	return &ServerFrame{
		Type:      FrameQueueChanged,
		HandoffID: handoffID,
		Status:    status,
	}
}

// NewErrorFrame builds an error frame surfaced to the sending connection.
func NewErrorFrame(code, reason string) *ServerFrame {
	return &ServerFrame{
		Type:   FrameError,
		Code:   code,
		Reason: reason,
	}
}
