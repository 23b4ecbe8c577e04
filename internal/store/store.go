// Package store provides durable persistence for conversations, messages,
// and handoff lifecycle records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatlift/handoff-engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrOpenHandoffExists is returned when creating a handoff for a conversation
// that already has a pending or active one.
var ErrOpenHandoffExists = errors.New("open handoff already exists for conversation")

// Store is the persistence interface for the engine. Implementations must
// make AcceptHandoff and ResolveHandoff atomic conditional transitions: a
// read-then-write sequence is not acceptable for either.
type Store interface {
	// EnsureConversation inserts the conversation if it does not exist.
	// Existing rows are left untouched.
	EnsureConversation(ctx context.Context, conv *model.Conversation) error

	// GetConversation returns a conversation by ID, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// AppendMessage persists a message and assigns its commit sequence.
	// The assigned Seq defines the total order all subscribers observe.
	AppendMessage(ctx context.Context, msg *model.Message) error

	// ListMessages returns messages for a conversation with Seq > afterSeq,
	// in ascending Seq order, up to limit.
	ListMessages(ctx context.Context, conversationID string, afterSeq uint64, limit int) ([]model.Message, error)

	// CountMessages returns the number of messages in a conversation.
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// CreateHandoff inserts a pending handoff. Returns ErrOpenHandoffExists
	// if the conversation already has an open one.
	CreateHandoff(ctx context.Context, h *model.Handoff) error

	// GetHandoff returns a handoff by ID, or ErrNotFound.
	GetHandoff(ctx context.Context, id string) (*model.Handoff, error)

	// GetOpenHandoff returns the pending or active handoff for a
	// conversation, or ErrNotFound.
	GetOpenHandoff(ctx context.Context, conversationID string) (*model.Handoff, error)

	// AcceptHandoff atomically transitions pending -> active, binding the
	// agent. Returns false when the handoff was not pending; callers
	// re-read to learn who won.
	AcceptHandoff(ctx context.Context, id, agentID string) (bool, error)

	// ResolveHandoff atomically transitions active -> resolved. Returns
	// false when the handoff was not active.
	ResolveHandoff(ctx context.Context, id string) (bool, error)

	// ExpireHandoff atomically resolves an open handoff regardless of
	// whether it is pending or active. Used by the expiry sweeper.
	ExpireHandoff(ctx context.Context, id string) (bool, error)

	// ListOpenHandoffs returns all pending and active handoffs joined with
	// chatbot name and conversation summary. Pending rows are ordered by
	// requested_at ascending, then active rows by accepted_at ascending.
	ListOpenHandoffs(ctx context.Context) ([]model.HandoffSummary, error)

	// ListExpiredHandoffs returns IDs of pending handoffs requested before
	// pendingBefore and active handoffs accepted before activeBefore whose
	// conversations have seen no message since activeBefore. Zero times
	// disable the respective scan.
	ListExpiredHandoffs(ctx context.Context, pendingBefore, activeBefore time.Time) ([]string, error)

	// UpsertChatbot records a chatbot display name for queue joins.
	// Chatbot configuration itself is owned by a collaborating service.
	UpsertChatbot(ctx context.Context, id, name string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}
