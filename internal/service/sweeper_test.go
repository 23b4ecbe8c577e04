package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlift/handoff-engine/internal/hub"
	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/pkg/logger"
)

func TestSweep_ExpiresStalePending(t *testing.T) {
	st := newTestStore(t)
	notifier := &fakeNotifier{}
	handoffs := NewHandoffService(st, nil, notifier, logger.NewNop())
	ctx := context.Background()

	h, _, err := handoffs.Request(ctx, newRequest())
	require.NoError(t, err)

	sweeper := NewSweeper(st, nil, notifier, time.Nanosecond, 0, time.Second, logger.NewNop())
	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	got, err := st.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HandoffResolved, got.Status)

	events := notifier.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, h.ID, last.HandoffID)
	assert.Equal(t, model.HandoffResolved, last.Status)
}

func TestSweep_LeavesFreshPendingAlone(t *testing.T) {
	st := newTestStore(t)
	notifier := &fakeNotifier{}
	handoffs := NewHandoffService(st, nil, notifier, logger.NewNop())
	ctx := context.Background()

	h, _, err := handoffs.Request(ctx, newRequest())
	require.NoError(t, err)

	sweeper := NewSweeper(st, nil, notifier, time.Hour, 0, time.Second, logger.NewNop())
	sweeper.Sweep(ctx)

	got, err := st.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HandoffPending, got.Status)
}

func TestSweep_DisabledPolicyTouchesNothing(t *testing.T) {
	st := newTestStore(t)
	notifier := &fakeNotifier{}
	handoffs := NewHandoffService(st, nil, notifier, logger.NewNop())
	ctx := context.Background()

	h, _, err := handoffs.Request(ctx, newRequest())
	require.NoError(t, err)

	sweeper := NewSweeper(st, nil, notifier, 0, 0, time.Second, logger.NewNop())
	sweeper.Sweep(ctx)

	got, err := st.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HandoffPending, got.Status)
}

func TestRun_ReturnsImmediatelyWhenDisabled(t *testing.T) {
	st := newTestStore(t)
	sweeper := NewSweeper(st, nil, &fakeNotifier{}, 0, 0, time.Millisecond, logger.NewNop())

	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a disabled policy")
	}
}

func TestSweep_ActiveIdleExpiry(t *testing.T) {
	st := newTestStore(t)
	notifier := &fakeNotifier{}
	handoffs := NewHandoffService(st, nil, notifier, logger.NewNop())
	ctx := context.Background()

	h, _, err := handoffs.Request(ctx, newRequest())
	require.NoError(t, err)
	_, err = handoffs.Accept(ctx, h.ID, "agent-1")
	require.NoError(t, err)

	sweeper := NewSweeper(st, nil, notifier, 0, time.Nanosecond, time.Second, logger.NewNop())
	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	got, err := st.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HandoffResolved, got.Status)
}

func TestSweep_ActiveExpiryEvictsAgentRoute(t *testing.T) {
	st := newTestStore(t)
	notifier := &fakeNotifier{}
	connHub := hub.New(logger.NewNop())
	t.Cleanup(connHub.Close)
	handoffs := NewHandoffService(st, connHub, notifier, logger.NewNop())
	ctx := context.Background()

	h, _, err := handoffs.Request(ctx, newRequest())
	require.NoError(t, err)
	_, err = handoffs.Accept(ctx, h.ID, "agent-1")
	require.NoError(t, err)

	agent := hub.NewSubscriber("agent-conn", hub.ConnAgent)
	connHub.Join(h.ConversationID, agent)

	sweeper := NewSweeper(st, connHub, notifier, 0, time.Nanosecond, time.Second, logger.NewNop())
	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	got, err := st.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HandoffResolved, got.Status)
	assert.Equal(t, 0, connHub.Subscribers(h.ConversationID))
}
