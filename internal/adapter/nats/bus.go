// Package nats implements the message bus port on NATS JetStream for
// multi-node deployments. The emergency topic gets its own stream so
// critical messages are never queued behind normal traffic.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aperture-research/maxwell/internal/bus"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/port/messagebus"
)

const (
	streamName          = "MAXWELL"
	emergencyStreamName = "MAXWELL_EMERGENCY"
	subjectPrefix       = "maxwell."
)

// Bus implements messagebus.Bus using NATS JetStream.
type Bus struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts bus.Options
}

// Connect establishes a connection to NATS and ensures the streams exist.
func Connect(ctx context.Context, url string, opts bus.Options) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: streamName,
		Subjects: []string{
			subjectPrefix + string(message.TopicTaskCoordination),
			subjectPrefix + string(message.TopicAgentComm),
			subjectPrefix + string(message.TopicResearchData),
			subjectPrefix + string(message.TopicSystemEvents),
		},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     emergencyStreamName,
		Subjects: []string{subjectPrefix + string(message.TopicEmergency)},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream emergency stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js, opts: opts}, nil
}

// Publish routes the message by type and publishes its JSON envelope.
func (b *Bus) Publish(ctx context.Context, msg message.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = nats.NewInbox() // unique enough; callers normally set a uuid
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	topic := message.Route(msg.Type)
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	ack, err := b.js.Publish(ctx, subjectPrefix+string(topic), data,
		jetstream.WithMsgID(msg.ID))
	if err != nil {
		return "", fmt.Errorf("nats publish %s: %w", topic, err)
	}

	slog.Debug("message published", "msg_id", msg.ID, "type", msg.Type,
		"topic", topic, "seq", ack.Sequence)
	return msg.ID, nil
}

// Subscribe registers a durable consumer on the topic's subject.
func (b *Bus) Subscribe(topic message.Topic, consumerID string, handler messagebus.Handler) (func(), error) {
	stream := streamName
	if topic == message.TopicEmergency {
		stream = emergencyStreamName
	}

	ctx := context.Background()
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       consumerID,
		FilterSubject: subjectPrefix + string(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.RedeliveryTimeout,
		MaxDeliver:    b.opts.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(m jetstream.Msg) {
		var msg message.Message
		if err := json.Unmarshal(m.Data(), &msg); err != nil {
			slog.Error("malformed bus message", "subject", m.Subject(), "error", err)
			_ = m.Term()
			return
		}
		if meta, err := m.Metadata(); err == nil {
			msg.Seq = meta.Sequence.Stream
		}
		if msg.Expired(time.Now()) {
			_ = m.Ack()
			return
		}

		if err := handler(context.Background(), msg); err != nil {
			slog.Error("message handler failed", "msg_id", msg.ID,
				"topic", topic, "consumer", consumerID, "error", err)
			if meta, metaErr := m.Metadata(); metaErr == nil &&
				int(meta.NumDelivered) >= b.opts.MaxAttempts {
				if fn := b.opts.OnDeadLetter; fn != nil {
					fn(msg, err.Error())
				}
				_ = m.Term()
				return
			}
			if nakErr := m.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := m.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Ack is a no-op: JetStream acknowledgments are handled per delivery in
// the consume callback.
func (b *Bus) Ack(_, _ string) {}

// Close drains and shuts down the NATS connection.
func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
