package model

import (
	"time"
)

// HandoffStatus represents the lifecycle state of a handoff.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffActive   HandoffStatus = "active"
	HandoffResolved HandoffStatus = "resolved"
)

// Open reports whether the status counts against the one-open-handoff-per-
// conversation invariant.
func (s HandoffStatus) Open() bool {
	return s == HandoffPending || s == HandoffActive
}

// Handoff is one escalation lifecycle instance. A handoff is created in
// pending state, transitions to active exactly once via accept (first
// accepting agent wins), and to resolved exactly once via resolve. At most
// one open (pending or active) handoff exists per conversation at any time.
type Handoff struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ChatbotID      string        `json:"chatbot_id"`
	Status         HandoffStatus `json:"status"`

	// AgentID is the identity of the accepting agent, nil until accepted.
	AgentID *string `json:"agent_id,omitempty"`

	// Visitor triage details captured at request time.
	VisitorName  string `json:"visitor_name,omitempty"`
	VisitorEmail string `json:"visitor_email,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// HandoffSummary is a handoff joined with chatbot and conversation details
// for the agent console's pending/active queues.
type HandoffSummary struct {
	Handoff
	ChatbotName  string `json:"chatbot_name,omitempty"`
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
}

// RequestHandoffRequest is the request body to create a handoff.
type RequestHandoffRequest struct {
	ConversationID string `json:"conversation_id"`
	ChatbotID      string `json:"chatbot_id"`
	VisitorName    string `json:"visitor_name,omitempty"`
	VisitorEmail   string `json:"visitor_email,omitempty"`
}

// ListHandoffsResponse is the response for listing open handoffs.
type ListHandoffsResponse struct {
	Handoffs []HandoffSummary `json:"handoffs"`
	Total    int              `json:"total"`
}
