package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/pkg/logger"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(logger.NewNop())
	t.Cleanup(h.Close)
	return h
}

func recvFrame(t *testing.T, sub *Subscriber) *model.ServerFrame {
	t.Helper()
	select {
	case frame, ok := <-sub.Frames():
		require.True(t, ok, "subscriber channel closed")
		return frame
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func assertNoFrame(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		t.Fatalf("unexpected frame: %+v", frame)
	default:
	}
}

func TestBroadcast_ReachesAllTopicSubscribers(t *testing.T) {
	h := newTestHub(t)

	a := NewSubscriber("sub-a", ConnVisitor)
	b := NewSubscriber("sub-b", ConnAgent)
	h.Join("conv-1", a)
	h.Join("conv-1", b)

	frame := model.NewErrorFrame("test", "hello")
	h.Broadcast("conv-1", frame)

	assert.Same(t, frame, recvFrame(t, a))
	assert.Same(t, frame, recvFrame(t, b))
}

func TestBroadcast_IsolatedByTopic(t *testing.T) {
	h := newTestHub(t)

	a := NewSubscriber("sub-a", ConnVisitor)
	b := NewSubscriber("sub-b", ConnVisitor)
	h.Join("conv-1", a)
	h.Join("conv-2", b)

	h.Broadcast("conv-1", model.NewErrorFrame("test", "only conv-1"))

	recvFrame(t, a)
	assertNoFrame(t, b)
}

func TestBroadcastExcept_SkipsSender(t *testing.T) {
	h := newTestHub(t)

	sender := NewSubscriber("sender", ConnVisitor)
	other := NewSubscriber("other", ConnAgent)
	h.Join("conv-1", sender)
	h.Join("conv-1", other)

	h.BroadcastExcept("conv-1", model.NewTypingFrame("conv-1", model.RoleVisitor, true), "sender")

	recvFrame(t, other)
	assertNoFrame(t, sender)
}

func TestJoin_DuplicateIsNoOp(t *testing.T) {
	h := newTestHub(t)

	sub := NewSubscriber("sub-a", ConnVisitor)
	h.Join("conv-1", sub)
	h.Join("conv-1", sub)

	assert.Equal(t, 1, h.Subscribers("conv-1"))

	h.Broadcast("conv-1", model.NewErrorFrame("test", "once"))
	recvFrame(t, sub)
	assertNoFrame(t, sub)
}

func TestLeave_StopsDelivery(t *testing.T) {
	h := newTestHub(t)

	sub := NewSubscriber("sub-a", ConnVisitor)
	h.Join("conv-1", sub)
	h.Leave("conv-1", "sub-a")

	assert.Equal(t, 0, h.Subscribers("conv-1"))
	h.Broadcast("conv-1", model.NewErrorFrame("test", "gone"))
	assertNoFrame(t, sub)
}

func TestDetach_RemovesFromAllTopicsAndClosesChannel(t *testing.T) {
	h := newTestHub(t)

	sub := NewSubscriber("sub-a", ConnAgent)
	h.Join("conv-1", sub)
	h.Join("conv-2", sub)
	h.JoinQueue(sub)

	h.Detach(sub)

	assert.Equal(t, 0, h.Subscribers("conv-1"))
	assert.Equal(t, 0, h.Subscribers("conv-2"))

	_, ok := <-sub.Frames()
	assert.False(t, ok)
}

func TestJoinQueue_AgentsOnly(t *testing.T) {
	h := newTestHub(t)

	agent := NewSubscriber("agent-1", ConnAgent)
	visitor := NewSubscriber("visitor-1", ConnVisitor)
	h.JoinQueue(agent)
	h.JoinQueue(visitor)

	h.BroadcastQueue(model.NewQueueChangedFrame("h-1", model.HandoffPending))

	frame := recvFrame(t, agent)
	assert.Equal(t, model.FrameQueueChanged, frame.Type)
	assert.Equal(t, "h-1", frame.HandoffID)
	assertNoFrame(t, visitor)
}

func TestEvictAgents_RemovesAgentsKeepsVisitors(t *testing.T) {
	h := newTestHub(t)

	visitor := NewSubscriber("visitor-1", ConnVisitor)
	agent := NewSubscriber("agent-1", ConnAgent)
	h.Join("conv-1", visitor)
	h.Join("conv-1", agent)
	h.Join("conv-2", agent)
	h.JoinQueue(agent)

	h.EvictAgents("conv-1")

	assert.Equal(t, 1, h.Subscribers("conv-1"))
	h.Broadcast("conv-1", model.NewErrorFrame("test", "visitor only"))
	recvFrame(t, visitor)
	assertNoFrame(t, agent)

	// Other topics and the queue still route to the agent.
	h.Broadcast("conv-2", model.NewErrorFrame("test", "still joined"))
	recvFrame(t, agent)
	h.BroadcastQueue(model.NewQueueChangedFrame("h-1", model.HandoffResolved))
	recvFrame(t, agent)
}

func TestBroadcast_DropsWhenSubscriberFull(t *testing.T) {
	h := newTestHub(t)

	slow := NewSubscriber("slow", ConnVisitor)
	h.Join("conv-1", slow)

	for i := 0; i < subscriberBufferSize+10; i++ {
		h.Broadcast("conv-1", model.NewErrorFrame("test", fmt.Sprintf("frame %d", i)))
	}

	// The buffer holds exactly its capacity; the overflow was dropped, not
	// blocked on.
	var got int
	for {
		select {
		case <-slow.Frames():
			got++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBufferSize, got)
}

func TestClose_Idempotent(t *testing.T) {
	h := New(logger.NewNop())

	sub := NewSubscriber("sub-a", ConnVisitor)
	h.Join("conv-1", sub)

	h.Close()
	h.Close()

	// Detach after close must not panic on the already-closed channel.
	h.Detach(sub)

	_, ok := <-sub.Frames()
	assert.False(t, ok)
}
