// Package hub is the in-memory connection registry: it maps conversation
// topics to the live connections observing them and fans persisted frames
// out to every subscriber.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/pkg/logger"
	"github.com/chatlift/handoff-engine/pkg/metrics"
)

// subscriberBufferSize is the outbound queue per connection. A subscriber
// that falls this far behind gets frames dropped rather than stalling the
// broadcast path; reconnect-and-catch-up recovers the gap.
const subscriberBufferSize = 64

// ConnRole is the role a connection authenticated as.
type ConnRole string

const (
	ConnVisitor ConnRole = "visitor"
	ConnAgent   ConnRole = "agent"
)

// Subscriber is one live connection's handle in the hub. All topics a
// connection joins feed the same bounded channel, which the transport's
// write pump drains.
type Subscriber struct {
	ID   string
	Role ConnRole
	ch   chan *model.ServerFrame
}

// NewSubscriber creates a subscriber handle for a connection.
func NewSubscriber(id string, role ConnRole) *Subscriber {
	return &Subscriber{
		ID:   id,
		Role: role,
		ch:   make(chan *model.ServerFrame, subscriberBufferSize),
	}
}

// Frames returns the channel the transport write pump drains. It is closed
// when the subscriber is detached from the hub.
func (s *Subscriber) Frames() <-chan *model.ServerFrame {
	return s.ch
}

// Send enqueues a frame directly to this subscriber without blocking,
// bypassing topic routing. Used by transports for connection-local frames
// such as protocol errors. Must not be called after Detach.
func (s *Subscriber) Send(frame *model.ServerFrame) bool {
	select {
	case s.ch <- frame:
		return true
	default:
		return false
	}
}

// Hub owns topic membership. It is an explicit, injectable registry whose
// lifecycle is tied to the engine instance, so routing is testable without
// a network stack.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // conversationID -> subID -> sub
	queue  map[string]*Subscriber           // agent console fan-out topic
	// joined tracks which topics each subscriber is in, for O(topics) detach.
	joined map[string]map[string]struct{}
	closed bool
	logger *logger.Logger
}

// New creates an empty hub.
func New(log *logger.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[string]*Subscriber),
		queue:  make(map[string]*Subscriber),
		joined: make(map[string]map[string]struct{}),
		logger: log.With(zap.String("component", "hub")),
	}
}

// Join registers a subscriber under the conversation topic. Joining a topic
// the subscriber is already in is a no-op.
func (h *Hub) Join(conversationID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	subs, ok := h.topics[conversationID]
	if !ok {
		subs = make(map[string]*Subscriber)
		h.topics[conversationID] = subs
	}
	if _, already := subs[sub.ID]; already {
		return
	}
	subs[sub.ID] = sub

	if _, ok := h.joined[sub.ID]; !ok {
		h.joined[sub.ID] = make(map[string]struct{})
	}
	h.joined[sub.ID][conversationID] = struct{}{}

	h.logger.Debug("subscriber joined topic",
		zap.String("conversation_id", conversationID),
		zap.String("sub_id", sub.ID),
		zap.String("role", string(sub.Role)))
}

// Leave removes a subscriber from one conversation topic. Handoff state is
// never changed here: an agent navigating away mid-conversation must not
// lose the conversation on a network blip.
func (h *Hub) Leave(conversationID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conversationID, subID)
}

func (h *Hub) leaveLocked(conversationID, subID string) {
	subs, ok := h.topics[conversationID]
	if !ok {
		return
	}
	if _, exists := subs[subID]; !exists {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.topics, conversationID)
	}
	if topics, ok := h.joined[subID]; ok {
		delete(topics, conversationID)
	}
}

// EvictAgents removes every agent-role subscriber from the conversation
// topic without closing their channels: the connections stay alive on the
// queue and any other topics, but the closed conversation no longer routes
// to them. Visitor subscribers are untouched.
func (h *Hub) EvictAgents(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for id, sub := range h.topics[conversationID] {
		if sub.Role != ConnAgent {
			continue
		}
		h.leaveLocked(conversationID, id)
		h.logger.Debug("agent evicted from closed conversation",
			zap.String("conversation_id", conversationID),
			zap.String("sub_id", id))
	}
}

// JoinQueue subscribes an agent console to queue-change events. Visitor
// connections are ignored.
func (h *Hub) JoinQueue(sub *Subscriber) {
	if sub.Role != ConnAgent {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.queue[sub.ID] = sub
}

// Detach removes the subscriber from every topic and the queue, and closes
// its frame channel. Called once when the transport connection ends.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for conversationID := range h.joined[sub.ID] {
		h.leaveLocked(conversationID, sub.ID)
	}
	delete(h.joined, sub.ID)
	delete(h.queue, sub.ID)
	close(sub.ch)

	h.logger.Debug("subscriber detached", zap.String("sub_id", sub.ID))
}

// Broadcast sends a frame to every subscriber of the conversation topic,
// including the sender's other connections; clients reconcile their own
// optimistic echo by message ID. Non-blocking: a full subscriber queue
// drops the frame.
func (h *Hub) Broadcast(conversationID string, frame *model.ServerFrame) {
	h.publish(conversationID, frame, "")
}

// BroadcastExcept sends a frame to every subscriber of the topic except the
// named one. Used for typing indicators, which the sender does not need back.
func (h *Hub) BroadcastExcept(conversationID string, frame *model.ServerFrame, exceptSubID string) {
	h.publish(conversationID, frame, exceptSubID)
}

// publish delivers under the read lock: delivery is non-blocking, and
// detach closes channels under the write lock, so a frame can never hit a
// closed channel.
func (h *Hub) publish(conversationID string, frame *model.ServerFrame, exceptSubID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.topics[conversationID] {
		if exceptSubID != "" && id == exceptSubID {
			continue
		}
		h.deliver(sub, frame)
	}
}

// BroadcastQueue sends a queue-change frame to every connected agent console.
func (h *Hub) BroadcastQueue(frame *model.ServerFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.queue {
		h.deliver(sub, frame)
	}
}

func (h *Hub) deliver(sub *Subscriber, frame *model.ServerFrame) {
	select {
	case sub.ch <- frame:
	default:
		metrics.BroadcastDroppedTotal.Inc()
		h.logger.Debug("dropped frame for slow subscriber",
			zap.String("sub_id", sub.ID),
			zap.String("frame_type", string(frame.Type)))
	}
}

// Subscribers returns the number of live subscribers on a topic.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}

// Close detaches every subscriber and rejects further joins.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	seen := make(map[string]*Subscriber)
	for _, subs := range h.topics {
		for id, sub := range subs {
			seen[id] = sub
		}
	}
	for id, sub := range h.queue {
		seen[id] = sub
	}
	for _, sub := range seen {
		close(sub.ch)
	}
	h.topics = make(map[string]map[string]*Subscriber)
	h.queue = make(map[string]*Subscriber)
	h.joined = make(map[string]map[string]struct{})
}
