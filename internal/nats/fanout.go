package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/model"
)

// QueueSubject carries handoff queue-change events. Routing it through NATS
// keeps the fan-out out of process, so agent consoles attached to the engine
// see queue changes regardless of which conversation topics they follow.
const QueueSubject = "handoff.queue.changed"

// QueueEvent is the wire form of a queue-change notification.
type QueueEvent struct {
	HandoffID string              `json:"handoff_id"`
	Status    model.HandoffStatus `json:"status"`
}

// QueueFanout publishes and consumes handoff queue-change events.
type QueueFanout struct {
	client *Client
}

// NewQueueFanout creates a fan-out bound to the client's connection.
func NewQueueFanout(client *Client) *QueueFanout {
	return &QueueFanout{client: client}
}

// QueueChanged publishes one queue-change event.
func (f *QueueFanout) QueueChanged(ctx context.Context, handoffID string, status model.HandoffStatus) error {
	data, err := json.Marshal(QueueEvent{HandoffID: handoffID, Status: status})
	if err != nil {
		return fmt.Errorf("marshaling queue event: %w", err)
	}
	if err := f.client.conn.Publish(QueueSubject, data); err != nil {
		return fmt.Errorf("publishing queue event: %w", err)
	}
	return nil
}

// Subscribe delivers every queue-change event to handler until the
// subscription is drained. Malformed payloads are logged and skipped.
func (f *QueueFanout) Subscribe(handler func(QueueEvent)) (*nats.Subscription, error) {
	sub, err := f.client.conn.Subscribe(QueueSubject, func(msg *nats.Msg) {
		var event QueueEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.client.logger.Warn("dropping malformed queue event", zap.Error(err))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to queue events: %w", err)
	}
	return sub, nil
}
