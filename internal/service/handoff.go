// Package service provides the control operations of the handoff engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/internal/store"
	"github.com/chatlift/handoff-engine/pkg/logger"
	"github.com/chatlift/handoff-engine/pkg/metrics"
)

// QueueNotifier fans a handoff queue change out to all connected agent
// consoles, independent of any single conversation's connections.
type QueueNotifier interface {
	QueueChanged(ctx context.Context, handoffID string, status model.HandoffStatus) error
}

// AgentEvictor drops agent connections from a conversation's routing topic
// once the handoff that let them in is closed. The connection itself stays
// alive for the queue and any other conversations.
type AgentEvictor interface {
	EvictAgents(conversationID string)
}

// HandoffService drives the handoff lifecycle: request, accept, resolve.
// Every state change is a conditional transition against the store, so two
// agents can never both believe they own a conversation.
type HandoffService struct {
	store    store.Store
	routes   AgentEvictor
	notifier QueueNotifier
	logger   *logger.Logger
}

// NewHandoffService creates a new handoff service.
func NewHandoffService(st store.Store, routes AgentEvictor, notifier QueueNotifier, log *logger.Logger) *HandoffService {
	return &HandoffService{
		store:    st,
		routes:   routes,
		notifier: notifier,
		logger:   log,
	}
}

// Request creates a pending handoff for the conversation. Duplicate
// escalation triggers from the AI pipeline are expected, so an existing open
// handoff is returned as-is (created == false) rather than treated as an
// error.
func (s *HandoffService) Request(ctx context.Context, req *model.RequestHandoffRequest) (*model.Handoff, bool, error) {
	if err := s.store.EnsureConversation(ctx, &model.Conversation{
		ID:        req.ConversationID,
		ChatbotID: req.ChatbotID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, false, fmt.Errorf("ensuring conversation: %w", err)
	}

	if existing, err := s.store.GetOpenHandoff(ctx, req.ConversationID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	h := &model.Handoff{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: req.ConversationID,
		ChatbotID:      req.ChatbotID,
		Status:         model.HandoffPending,
		VisitorName:    req.VisitorName,
		VisitorEmail:   req.VisitorEmail,
		RequestedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateHandoff(ctx, h); err != nil {
		if errors.Is(err, store.ErrOpenHandoffExists) {
			// Lost a create race with a concurrent trigger; the winner's
			// handoff is the one the caller wants.
			existing, getErr := s.store.GetOpenHandoff(ctx, req.ConversationID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	metrics.RecordHandoffTransition(string(model.HandoffPending))
	s.notify(ctx, h.ID, model.HandoffPending)

	s.logger.Info("handoff requested",
		zap.String("handoff_id", h.ID),
		zap.String("conversation_id", h.ConversationID),
		zap.String("chatbot_id", h.ChatbotID))

	return h, true, nil
}

// Accept atomically transitions a pending handoff to active, binding the
// agent. When multiple agents race, exactly one wins; the rest get
// AlreadyAcceptedError carrying the winner's identity. An accept retry from
// the agent that already won is a no-op success.
func (s *HandoffService) Accept(ctx context.Context, handoffID, agentID string) (*model.Handoff, error) {
	won, err := s.store.AcceptHandoff(ctx, handoffID, agentID)
	if err != nil {
		return nil, err
	}

	if !won {
		h, err := s.store.GetHandoff(ctx, handoffID)
		if err != nil {
			return nil, err
		}
		switch h.Status {
		case model.HandoffActive:
			if h.AgentID != nil && *h.AgentID == agentID {
				return h, nil
			}
			metrics.AcceptConflictsTotal.Inc()
			winner := ""
			if h.AgentID != nil {
				winner = *h.AgentID
			}
			return nil, &AlreadyAcceptedError{AgentID: winner}
		default:
			return nil, ErrInvalidTransition
		}
	}

	h, err := s.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}

	metrics.RecordHandoffTransition(string(model.HandoffActive))
	s.notify(ctx, h.ID, model.HandoffActive)

	s.logger.Info("handoff accepted",
		zap.String("handoff_id", h.ID),
		zap.String("conversation_id", h.ConversationID),
		zap.String("agent_id", agentID))

	return h, nil
}

// Resolve atomically transitions an active handoff to resolved, releasing
// the conversation back to the AI pipeline. Either party may resolve.
func (s *HandoffService) Resolve(ctx context.Context, handoffID, actorID string) (*model.Handoff, error) {
	ok, err := s.store.ResolveHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.store.GetHandoff(ctx, handoffID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}

	h, err := s.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}

	// The agent's routing into this conversation ends with the handoff.
	if s.routes != nil {
		s.routes.EvictAgents(h.ConversationID)
	}

	metrics.RecordHandoffTransition(string(model.HandoffResolved))
	s.notify(ctx, h.ID, model.HandoffResolved)

	s.logger.Info("handoff resolved",
		zap.String("handoff_id", h.ID),
		zap.String("conversation_id", h.ConversationID),
		zap.String("actor_id", actorID))

	return h, nil
}

// Get returns a handoff by ID.
func (s *HandoffService) Get(ctx context.Context, handoffID string) (*model.Handoff, error) {
	return s.store.GetHandoff(ctx, handoffID)
}

// ListOpen returns all pending and active handoffs for the agent console,
// pending ordered oldest-first for fairness.
func (s *HandoffService) ListOpen(ctx context.Context) ([]model.HandoffSummary, error) {
	return s.store.ListOpenHandoffs(ctx)
}

// notify is best-effort: the state change is already durable, and consoles
// re-fetch the queue on their next refresh if an event is missed.
func (s *HandoffService) notify(ctx context.Context, handoffID string, status model.HandoffStatus) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.QueueChanged(ctx, handoffID, status); err != nil {
		s.logger.Warn("queue notification failed",
			zap.String("handoff_id", handoffID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
