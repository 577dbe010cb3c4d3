package breaker

import (
	"testing"
	"time"
)

// TestBreakerCycle reproduces scenario S6: five consecutive failures trip
// the breaker OPEN, calls during cooldown fail fast, and the next call
// after cooldown is the half-open trial.
func TestBreakerCycle(t *testing.T) {
	b := New("broker.orders", Config{
		FailureThreshold: 0.5,
		MinSamples:       5,
		ErrorRateWindow:  time.Minute,
		Cooldown:         50 * time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d should be allowed while closed: %v", i, err)
		}
		b.Report(false)
	}

	if b.State() != Open {
		t.Fatalf("state after 5 failures = %v, want %v", b.State(), Open)
	}

	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("call during cooldown = %v, want %v", err, ErrOpen)
	}

	time.Sleep(60 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("trial call after cooldown should be allowed: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state after cooldown = %v, want %v", b.State(), HalfOpen)
	}

	// A second caller while the trial is in flight must fail fast.
	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("concurrent half-open call = %v, want %v", err, ErrOpen)
	}

	b.Report(true)
	if b.State() != Closed {
		t.Fatalf("state after successful trial = %v, want %v", b.State(), Closed)
	}
}

// TestBreakerHalfOpenFailureReopensWithFreshCooldown verifies the
// HALF_OPEN -> OPEN transition and that the cooldown resets.
func TestBreakerHalfOpenFailureReopensWithFreshCooldown(t *testing.T) {
	b := New("broker.positions", Config{
		FailureThreshold: 0.5,
		MinSamples:       2,
		ErrorRateWindow:  time.Minute,
		Cooldown:         30 * time.Millisecond,
	})

	b.Allow()
	b.Report(false)
	b.Allow()
	b.Report(false)
	if b.State() != Open {
		t.Fatalf("state = %v, want %v", b.State(), Open)
	}

	time.Sleep(40 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial should be allowed: %v", err)
	}
	b.Report(false)
	if b.State() != Open {
		t.Fatalf("state after failed trial = %v, want %v", b.State(), Open)
	}

	// Immediately after a failed trial the cooldown must be fresh: a call
	// right away still fails fast.
	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("call right after failed trial = %v, want %v", err, ErrOpen)
	}
}

// TestBreakerRequiresMinSamplesBeforeTripping ensures a handful of early
// failures below MinSamples never trips the breaker prematurely.
func TestBreakerRequiresMinSamplesBeforeTripping(t *testing.T) {
	b := New("broker.quotes", Config{FailureThreshold: 0.5, MinSamples: 10, ErrorRateWindow: time.Minute, Cooldown: time.Second})

	for i := 0; i < 9; i++ {
		b.Allow()
		b.Report(false)
	}
	if b.State() != Closed {
		t.Fatalf("state after 9/9 failures below MinSamples = %v, want %v", b.State(), Closed)
	}
}

// TestBreakerFuzzNeverEntersUndefinedState drives a pseudo-random
// sequence of Allow/Report outcomes and asserts the state is always one
// of the three defined values — property 8.
func TestBreakerFuzzNeverEntersUndefinedState(t *testing.T) {
	b := New("fuzz", Config{FailureThreshold: 0.5, MinSamples: 3, ErrorRateWindow: 20 * time.Millisecond, Cooldown: 5 * time.Millisecond})

	seed := uint64(12345)
	next := func() uint64 {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return seed
	}

	for i := 0; i < 2000; i++ {
		err := b.Allow()
		switch st := b.State(); st {
		case Closed, Open, HalfOpen:
		default:
			t.Fatalf("iteration %d: undefined state %q", i, st)
		}
		if err == nil {
			success := next()%2 == 0
			b.Report(success)
		}
		if next()%23 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}
