package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatlift/handoff-engine/internal/hub"
	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/internal/store"
	"github.com/chatlift/handoff-engine/pkg/logger"
	"github.com/chatlift/handoff-engine/pkg/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SendParams describes one utterance to route through the engine. Role is
// taken from the authenticated connection, never from client input.
type SendParams struct {
	ConversationID string
	Role           model.Role
	// AgentID identifies the sender for agent-role sends.
	AgentID string
	// ChatbotID and SessionID describe the visitor session, used when the
	// first visitor message creates the conversation.
	ChatbotID string
	SessionID string

	Content            string
	SuggestedQuestions []string
}

// MessageService routes messages: validate against the conversation's
// current handoff state, persist, then broadcast. Persist-then-route keeps a
// reconnecting client's catch-up fetch and the live stream in agreement; a
// message that fails to persist is never broadcast.
type MessageService struct {
	store  store.Store
	hub    *hub.Hub
	logger *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(st store.Store, h *hub.Hub, log *logger.Logger) *MessageService {
	return &MessageService{
		store:  st,
		hub:    h,
		logger: log,
	}
}

// Send validates, persists, and broadcasts one message, returning the
// persisted form so the sender can reconcile its optimistic echo.
func (s *MessageService) Send(ctx context.Context, p SendParams) (*model.Message, error) {
	if !p.Role.Valid() {
		return nil, fmt.Errorf("unknown sender role %q", p.Role)
	}

	switch p.Role {
	case model.RoleAgent:
		if err := s.checkAgentGate(ctx, p.ConversationID, p.AgentID); err != nil {
			return nil, err
		}
	default:
		// Visitor and assistant senders are always valid; the first
		// visitor message creates the conversation.
		if err := s.store.EnsureConversation(ctx, &model.Conversation{
			ID:        p.ConversationID,
			ChatbotID: p.ChatbotID,
			SessionID: p.SessionID,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("ensuring conversation: %w", err)
		}
	}

	msg := &model.Message{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		ConversationID:     p.ConversationID,
		Role:               p.Role,
		Content:            p.Content,
		SuggestedQuestions: p.SuggestedQuestions,
		CreatedAt:          time.Now().UTC(),
	}

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	s.hub.Broadcast(p.ConversationID, model.NewMessageFrame(msg))
	metrics.MessagesTotal.WithLabelValues(string(p.Role)).Inc()

	return msg, nil
}

// checkAgentGate enforces that agent-role messages only exist while a
// handoff for the conversation is active and the sender is the bound agent.
func (s *MessageService) checkAgentGate(ctx context.Context, conversationID, agentID string) error {
	h, err := s.store.GetOpenHandoff(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoActiveHandoff
		}
		return err
	}
	if h.Status != model.HandoffActive {
		return ErrNoActiveHandoff
	}
	if h.AgentID == nil || *h.AgentID != agentID {
		return ErrAgentNotBound
	}
	return nil
}

// Typing broadcasts an ephemeral typing indicator to the topic's other
// connections. Never persisted, never queued for catch-up.
func (s *MessageService) Typing(conversationID string, role model.Role, isTyping bool, senderSubID string) {
	s.hub.BroadcastExcept(conversationID, model.NewTypingFrame(conversationID, role, isTyping), senderSubID)
}

// Conversation returns a conversation with its message count populated.
func (s *MessageService) Conversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	conv.MessageCount = count
	return conv, nil
}

// History returns persisted messages in commit order for catch-up. A client
// that reconnects fetches history before trusting live frames so the two
// sequences never diverge.
func (s *MessageService) History(ctx context.Context, conversationID string, afterSeq uint64, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := s.store.ListMessages(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	var lastSeq uint64
	if len(messages) > 0 {
		lastSeq = messages[len(messages)-1].Seq
	}

	return &model.ListMessagesResponse{
		Messages: messages,
		HasMore:  len(messages) == limit,
		LastSeq:  lastSeq,
	}, nil
}
