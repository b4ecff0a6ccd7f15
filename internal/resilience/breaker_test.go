package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	calls := 0
	err := b.Execute(func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("Execute = %v with %d calls", err, calls)
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	// Open: calls fail fast without invoking fn.
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn invoked while circuit open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	boom := errors.New("boom")

	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return boom })

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("circuit opened despite interleaved success: %v", err)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	clock := time.Now()
	b.now = func() time.Time { return clock }

	_ = b.Execute(func() error { return errors.New("boom") })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	// After the timeout one probe is allowed; success closes the circuit.
	clock = clock.Add(2 * time.Minute)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("circuit did not close after probe success: %v", err)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	clock := time.Now()
	b.now = func() time.Time { return clock }

	_ = b.Execute(func() error { return errors.New("boom") })
	clock = clock.Add(2 * time.Minute)

	// Probe fails: straight back to open.
	_ = b.Execute(func() error { return errors.New("still down") })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
}
