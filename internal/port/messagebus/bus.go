// Package messagebus defines the message bus port (interface).
package messagebus

import (
	"context"

	"github.com/aperture-research/maxwell/internal/domain/message"
)

// Handler processes one delivered message. Delivery is at-least-once:
// handlers must be idempotent on message id. Returning an error leaves the
// message unacknowledged, so it is redelivered until the attempt bound.
type Handler func(ctx context.Context, msg message.Message) error

// Bus is the port interface for publishing and subscribing to typed
// messages. Routing from message type to topic is fixed (message.Route).
type Bus interface {
	// Publish routes the message to its topic and assigns a per-topic
	// monotonically increasing sequence number. The returned id is the
	// message id (assigned when the envelope carries none).
	Publish(ctx context.Context, msg message.Message) (string, error)

	// Subscribe registers a consumer on a topic. Messages arrive in
	// sequence order for that topic, except that critical-priority
	// messages are delivered before any pending normal/high message.
	// The returned function cancels the subscription.
	Subscribe(topic message.Topic, consumerID string, handler Handler) (cancel func(), err error)

	// Ack marks a delivered message as processed for the given consumer.
	// Unacknowledged messages are redelivered after the configured
	// timeout, up to a bounded number of attempts, then dead-lettered.
	Ack(msgID, consumerID string)

	// Close shuts the bus down, stopping deliveries.
	Close() error
}
