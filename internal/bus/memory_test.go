package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aperture-research/maxwell/internal/domain/message"
)

// collector accumulates delivered messages and lets tests wait for a count.
type collector struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collector) handler(_ context.Context, msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) wait(t *testing.T, n int) []message.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]message.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(c.msgs))
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestMemory_DeliversInPublishOrder(t *testing.T) {
	b := NewMemory(Options{})
	defer b.Close()

	var col collector
	if _, err := b.Subscribe(message.TopicTaskCoordination, "c1", col.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(context.Background(), message.Message{
			ID:   fmt.Sprintf("m%d", i),
			Type: message.TypeTaskRequest,
		}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := col.wait(t, 5)
	for i := 0; i < 5; i++ {
		if got[i].ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("delivery order %v broke publish order", ids(got))
		}
		if got[i].Seq != uint64(i+1) {
			t.Errorf("message %s has seq %d, want %d", got[i].ID, got[i].Seq, i+1)
		}
	}
}

func TestMemory_CriticalDrainsFirst(t *testing.T) {
	b := NewMemory(Options{})
	defer b.Close()

	gate := make(chan struct{})
	var col collector
	first := true
	handler := func(ctx context.Context, msg message.Message) error {
		if first {
			first = false
			<-gate // hold the loop so later messages queue up
		}
		return col.handler(ctx, msg)
	}
	if _, err := b.Subscribe(message.TopicTaskCoordination, "c1", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publish := func(id string, priority int) {
		if _, err := b.Publish(context.Background(), message.Message{
			ID:       id,
			Type:     message.TypeTaskRequest,
			Priority: priority,
		}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	publish("held", message.PriorityNormal)
	time.Sleep(20 * time.Millisecond) // let the loop pick it up and block
	publish("queued-normal", message.PriorityNormal)
	publish("urgent", message.PriorityCritical)
	close(gate)

	got := col.wait(t, 3)
	want := []string{"held", "urgent", "queued-normal"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("delivery order %v, want %v", ids(got), want)
		}
	}
}

func TestMemory_RedeliversOnHandlerError(t *testing.T) {
	b := NewMemory(Options{RedeliveryTimeout: 10 * time.Millisecond, MaxAttempts: 3})
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	handler := func(context.Context, message.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return fmt.Errorf("transient failure")
		}
		close(done)
		return nil
	}
	if _, err := b.Subscribe(message.TopicSystemEvents, "c1", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), message.Message{Type: message.TypeSystemEvent}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}

	// No further redeliveries after the successful attempt.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestMemory_DeadLettersAfterMaxAttempts(t *testing.T) {
	dead := make(chan message.Message, 1)
	b := NewMemory(Options{
		RedeliveryTimeout: 5 * time.Millisecond,
		MaxAttempts:       2,
		OnDeadLetter: func(msg message.Message, reason string) {
			if reason == "" {
				t.Error("dead letter without reason")
			}
			dead <- msg
		},
	})
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	handler := func(context.Context, message.Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return fmt.Errorf("permanent failure")
	}
	if _, err := b.Subscribe(message.TopicSystemEvents, "c1", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), message.Message{
		ID:   "poison",
		Type: message.TypeSystemEvent,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-dead:
		if msg.ID != "poison" {
			t.Fatalf("dead-lettered %s, want poison", msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never dead-lettered")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected 2 attempts before dead-letter, got %d", attempts)
	}
}

func TestMemory_ExpiredMessageSkipped(t *testing.T) {
	b := NewMemory(Options{})
	defer b.Close()

	var col collector
	if _, err := b.Subscribe(message.TopicTaskCoordination, "c1", col.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	if _, err := b.Publish(context.Background(), message.Message{
		Type:      message.TypeTaskRequest,
		ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(context.Background(), message.Message{
		ID:   "live",
		Type: message.TypeTaskRequest,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := col.wait(t, 1)
	if got[0].ID != "live" {
		t.Fatalf("expired message %s was delivered", got[0].ID)
	}
	if col.count() != 1 {
		t.Fatalf("expected only the live message, got %d", col.count())
	}
}

func TestMemory_FanOut(t *testing.T) {
	b := NewMemory(Options{})
	defer b.Close()

	var a, c collector
	if _, err := b.Subscribe(message.TopicEmergency, "c1", a.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(message.TopicEmergency, "c2", c.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), message.Message{
		Type:     message.TypeEmergencyStop,
		Priority: message.PriorityCritical,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	a.wait(t, 1)
	c.wait(t, 1)
}

func TestMemory_RoutesByType(t *testing.T) {
	b := NewMemory(Options{})
	defer b.Close()

	var system, coordination collector
	if _, err := b.Subscribe(message.TopicSystemEvents, "sys", system.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(message.TopicTaskCoordination, "coord", coordination.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), message.Message{Type: message.TypeErrorNotification}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	system.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	if coordination.count() != 0 {
		t.Fatal("message leaked across topics")
	}
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemory(Options{})
	defer b.Close()

	var col collector
	cancel, err := b.Subscribe(message.TopicTaskCoordination, "c1", col.handler)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	if _, err := b.Publish(context.Background(), message.Message{Type: message.TypeTaskRequest}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if col.count() != 0 {
		t.Fatal("cancelled subscription still received messages")
	}
}

func TestMemory_AckRecordsPruned(t *testing.T) {
	b := NewMemory(Options{RedeliveryTimeout: 5 * time.Millisecond, MaxAttempts: 2})
	defer b.Close()

	var col collector
	if _, err := b.Subscribe(message.TopicTaskCoordination, "c1", col.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := b.Publish(context.Background(), message.Message{
			ID:   fmt.Sprintf("m%d", i),
			Type: message.TypeTaskRequest,
		}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	col.wait(t, 50)

	// Past the redelivery horizon the early ack records are prunable; the
	// next ack sweeps them.
	time.Sleep(40 * time.Millisecond)
	if _, err := b.Publish(context.Background(), message.Message{
		ID:   "late",
		Type: message.TypeTaskRequest,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	col.wait(t, 51)

	b.mu.Lock()
	sub := b.subs[message.TopicTaskCoordination][0]
	b.mu.Unlock()
	sub.mu.Lock()
	kept := len(sub.acked)
	sub.mu.Unlock()
	if kept >= 50 {
		t.Fatalf("ack records not pruned, %d retained", kept)
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	b := NewMemory(Options{})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Publish(context.Background(), message.Message{Type: message.TypeTaskRequest}); err == nil {
		t.Fatal("publish on closed bus succeeded")
	}
}

func ids(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ID
	}
	return out
}
