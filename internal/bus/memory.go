// Package bus provides an in-process message bus implementing the
// messagebus port: per-topic ordering, priority draining, at-least-once
// delivery with bounded redelivery and dead-lettering.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/port/messagebus"
)

// DeadLetterFunc is invoked when a message exhausts its delivery attempts.
type DeadLetterFunc func(msg message.Message, reason string)

// Options tune delivery behavior.
type Options struct {
	RedeliveryTimeout time.Duration
	MaxAttempts       int
	OnDeadLetter      DeadLetterFunc
}

// Memory is an in-process implementation of messagebus.Bus. Every
// subscription receives every message on its topic (fan-out); within one
// subscription, critical-priority messages are drained before any pending
// normal or high message, and otherwise delivery follows publish sequence.
type Memory struct {
	mu     sync.Mutex
	seq    map[message.Topic]uint64
	subs   map[message.Topic][]*subscription
	opts   Options
	closed bool
}

type subscription struct {
	topic      message.Topic
	consumerID string
	handler    messagebus.Handler

	mu       sync.Mutex
	cond     *sync.Cond
	critical []message.Message // priority 2
	normal   []message.Message // priority 0/1
	attempts map[string]int
	acked    map[string]time.Time // ack time, pruned once redelivery can no longer fire
	stopped  bool

	bus *Memory
}

// NewMemory creates an in-process bus with the given options.
func NewMemory(opts Options) *Memory {
	if opts.RedeliveryTimeout <= 0 {
		opts.RedeliveryTimeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Memory{
		seq:  make(map[message.Topic]uint64),
		subs: make(map[message.Topic][]*subscription),
		opts: opts,
	}
}

// Publish routes the message by type, assigns id and per-topic sequence,
// and enqueues it on every subscription of the target topic.
func (b *Memory) Publish(_ context.Context, msg message.Message) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("bus closed")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	topic := message.Route(msg.Type)
	b.seq[topic]++
	msg.Seq = b.seq[topic]

	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(msg)
	}

	slog.Debug("message published", "msg_id", msg.ID, "type", msg.Type, "topic", topic, "seq", msg.Seq)
	return msg.ID, nil
}

// Subscribe registers a consumer on the topic and starts its delivery loop.
func (b *Memory) Subscribe(topic message.Topic, consumerID string, handler messagebus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	s := &subscription{
		topic:      topic,
		consumerID: consumerID,
		handler:    handler,
		attempts:   make(map[string]int),
		acked:      make(map[string]time.Time),
		bus:        b,
	}
	s.cond = sync.NewCond(&s.mu)
	b.subs[topic] = append(b.subs[topic], s)

	go s.run()

	cancel := func() {
		s.stop()
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i := range list {
			if list[i] == s {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return cancel, nil
}

// Ack marks a message processed for the given consumer, stopping any
// pending redelivery.
func (b *Memory) Ack(msgID, consumerID string) {
	b.mu.Lock()
	var all []*subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()

	for _, s := range all {
		if s.consumerID == consumerID {
			s.ack(msgID)
		}
	}
}

// Close stops all delivery loops.
func (b *Memory) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[message.Topic][]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

func (s *subscription) enqueue(msg message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.acked[msg.ID]; s.stopped || done {
		return
	}
	if msg.Priority >= message.PriorityCritical {
		s.critical = append(s.critical, msg)
	} else {
		s.normal = append(s.normal, msg)
	}
	s.cond.Signal()
}

func (s *subscription) ack(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markAcked(msgID, time.Now())
}

// markAcked records the ack and prunes records old enough that no pending
// redelivery timer can still reference them. Caller holds s.mu.
func (s *subscription) markAcked(msgID string, now time.Time) {
	s.acked[msgID] = now
	delete(s.attempts, msgID)

	retention := time.Duration(s.bus.opts.MaxAttempts+1) * s.bus.opts.RedeliveryTimeout
	for id, at := range s.acked {
		if now.Sub(at) > retention {
			delete(s.acked, id)
		}
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// next pops the next deliverable message: critical first, then normal in
// sequence order. Blocks until a message arrives or the subscription stops.
func (s *subscription) next() (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return message.Message{}, false
		}
		if len(s.critical) > 0 {
			msg := s.critical[0]
			s.critical = s.critical[1:]
			return msg, true
		}
		if len(s.normal) > 0 {
			msg := s.normal[0]
			s.normal = s.normal[1:]
			return msg, true
		}
		s.cond.Wait()
	}
}

func (s *subscription) run() {
	for {
		msg, ok := s.next()
		if !ok {
			return
		}
		s.deliver(msg)
	}
}

func (s *subscription) deliver(msg message.Message) {
	s.mu.Lock()
	if _, done := s.acked[msg.ID]; done {
		s.mu.Unlock()
		return
	}
	if msg.Expired(time.Now()) {
		slog.Warn("message expired, skipping", "msg_id", msg.ID, "type", msg.Type)
		s.markAcked(msg.ID, time.Now())
		s.mu.Unlock()
		return
	}
	s.attempts[msg.ID]++
	attempt := s.attempts[msg.ID]
	s.mu.Unlock()

	err := s.handler(context.Background(), msg)
	if err == nil {
		s.ack(msg.ID)
		return
	}

	slog.Error("message handler failed", "msg_id", msg.ID, "topic", s.topic,
		"consumer", s.consumerID, "attempt", attempt, "error", err)

	if attempt >= s.bus.opts.MaxAttempts {
		s.ack(msg.ID)
		if fn := s.bus.opts.OnDeadLetter; fn != nil {
			fn(msg, err.Error())
		}
		return
	}

	// Redeliver after the timeout unless acked in the meantime.
	time.AfterFunc(s.bus.opts.RedeliveryTimeout, func() {
		s.mu.Lock()
		_, done := s.acked[msg.ID]
		redeliver := !s.stopped && !done
		if redeliver {
			if msg.Priority >= message.PriorityCritical {
				s.critical = append(s.critical, msg)
			} else {
				s.normal = append(s.normal, msg)
			}
			s.cond.Signal()
		}
		s.mu.Unlock()
	})
}
