package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/internal/store"
	"github.com/chatlift/handoff-engine/pkg/logger"
	"github.com/chatlift/handoff-engine/pkg/metrics"
)

// Sweeper expires abandoned handoffs on a configurable policy: pending
// handoffs nobody accepted within PendingTTL, and active handoffs whose
// conversation has gone quiet for longer than IdleTTL. A zero TTL disables
// that scan; both default to disabled so expiry is always an explicit
// operator choice.
type Sweeper struct {
	store      store.Store
	routes     AgentEvictor
	notifier   QueueNotifier
	pendingTTL time.Duration
	idleTTL    time.Duration
	interval   time.Duration
	logger     *logger.Logger
}

// NewSweeper creates a sweeper with the given policy.
func NewSweeper(st store.Store, routes AgentEvictor, notifier QueueNotifier, pendingTTL, idleTTL, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:      st,
		routes:     routes,
		notifier:   notifier,
		pendingTTL: pendingTTL,
		idleTTL:    idleTTL,
		interval:   interval,
		logger:     log,
	}
}

// Run sweeps until ctx is cancelled. Returns immediately when the policy is
// fully disabled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.pendingTTL <= 0 && s.idleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	var pendingBefore, activeBefore time.Time
	if s.pendingTTL > 0 {
		pendingBefore = now.Add(-s.pendingTTL)
	}
	if s.idleTTL > 0 {
		activeBefore = now.Add(-s.idleTTL)
	}

	ids, err := s.store.ListExpiredHandoffs(ctx, pendingBefore, activeBefore)
	if err != nil {
		s.logger.Error("expiry scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		ok, err := s.store.ExpireHandoff(ctx, id)
		if err != nil {
			s.logger.Error("expiring handoff failed",
				zap.String("handoff_id", id),
				zap.Error(err))
			continue
		}
		if !ok {
			// Raced with an explicit accept or resolve; leave it be.
			continue
		}

		// An expired active handoff also ends the agent's routing into the
		// conversation.
		if s.routes != nil {
			if h, err := s.store.GetHandoff(ctx, id); err == nil {
				s.routes.EvictAgents(h.ConversationID)
			}
		}

		metrics.RecordHandoffTransition(string(model.HandoffResolved))
		if s.notifier != nil {
			if err := s.notifier.QueueChanged(ctx, id, model.HandoffResolved); err != nil {
				s.logger.Warn("queue notification failed",
					zap.String("handoff_id", id),
					zap.Error(err))
			}
		}

		s.logger.Info("handoff expired", zap.String("handoff_id", id))
	}
}
