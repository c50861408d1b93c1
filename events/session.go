// Package events publishes session lifecycle events (refreshed, expired) on a
// watermill bus so UI and telemetry can react without the HTTP client
// knowing about them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	TopicSessionRefreshed = "session.refreshed"
	TopicSessionExpired   = "session.expired"
)

// SessionEvent is the JSON payload of every session message.
type SessionEvent struct {
	DeviceID string    `json:"device_id"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// SessionPublisher publishes session events for one device.
type SessionPublisher struct {
	publisher message.Publisher
	deviceID  string
	now       func() time.Time
}

func NewSessionPublisher(publisher message.Publisher, deviceID string) *SessionPublisher {
	return &SessionPublisher{
		publisher: publisher,
		deviceID:  deviceID,
		now:       time.Now,
	}
}

func (p *SessionPublisher) SessionRefreshed(ctx context.Context) error {
	return p.publish(ctx, TopicSessionRefreshed, "")
}

func (p *SessionPublisher) SessionExpired(ctx context.Context, reason string) error {
	return p.publish(ctx, TopicSessionExpired, reason)
}

func (p *SessionPublisher) publish(ctx context.Context, topic, reason string) error {
	payload, err := json.Marshal(SessionEvent{
		DeviceID: p.deviceID,
		Reason:   reason,
		At:       p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Handler receives a decoded session event and its topic.
type Handler func(topic string, ev SessionEvent)

// Subscribe delivers events from the given topics to handler until ctx is
// done. Messages are acked after the handler returns; undecodable messages
// are nacked.
func Subscribe(
	ctx context.Context,
	sub message.Subscriber,
	handler Handler,
	topics ...string,
) error {
	for _, topic := range topics {
		messages, err := sub.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		go consume(topic, messages, handler)
	}
	return nil
}

func consume(topic string, messages <-chan *message.Message, handler Handler) {
	for msg := range messages {
		var ev SessionEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			msg.Nack()
			continue
		}
		handler(topic, ev)
		msg.Ack()
	}
}
