package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// TestCrashLoopQuarantinesAfterThreshold reproduces property 9: a task
// failing crashLoopThreshold times within the crash-loop window is
// quarantined (not relaunched again), while the supervisor keeps running.
func TestCrashLoopQuarantinesAfterThreshold(t *testing.T) {
	var runs int32
	s := New(time.Second)
	s.Register(Task{
		Name:               "flaky",
		RestartPolicy:      OnFailure,
		MinBackoff:         time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		CrashLoopThreshold: 5,
		CrashLoopWindow:    time.Minute,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errBoom
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	lastCount := int32(0)
	stableSince := time.Now()
	for {
		select {
		case <-deadline:
			t.Fatalf("task never stabilized at the quarantine count, runs=%d", atomic.LoadInt32(&runs))
		default:
		}
		current := atomic.LoadInt32(&runs)
		if current != lastCount {
			lastCount = current
			stableSince = time.Now()
		} else if time.Since(stableSince) > 200*time.Millisecond {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&runs); got != 5 {
		t.Fatalf("quarantined after %d runs, want exactly 5 (crash_loop_threshold)", got)
	}
}

// TestSurvivingRunClearsCrashCounter verifies: a task failing 4 times and
// then surviving past 10*min_backoff clears the counter, so it is not
// quarantined on the next failure.
func TestSurvivingRunClearsCrashCounter(t *testing.T) {
	var runs int32
	minBackoff := 2 * time.Millisecond
	survivalThreshold := 10 * minBackoff

	s := New(time.Second)
	s.Register(Task{
		Name:               "recovering",
		RestartPolicy:      OnFailure,
		MinBackoff:         minBackoff,
		MaxBackoff:         10 * time.Millisecond,
		CrashLoopThreshold: 5,
		CrashLoopWindow:    time.Minute,
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&runs, 1)
			if n <= 4 {
				return errBoom
			}
			if n == 5 {
				// Survive long enough to clear the consecutive-crash counter,
				// then fail again — this failure must not itself trip the
				// 5-crash quarantine, since the counter reset.
				time.Sleep(survivalThreshold + 5*time.Millisecond)
				return errBoom
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&runs) < 6 {
		select {
		case <-deadline:
			t.Fatalf("task did not reach its 6th run, runs=%d", atomic.LoadInt32(&runs))
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Give it a moment to settle, then confirm it kept running rather than
	// being quarantined (a quarantined task never calls Run again).
	time.Sleep(50 * time.Millisecond)
	final := atomic.LoadInt32(&runs)
	cancel()
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&runs) < final {
		t.Fatal("run count decreased, impossible")
	}
	if final < 6 {
		t.Fatalf("task stopped restarting too early at run %d, expected to survive past the reset and reach run 6", final)
	}
}

// TestNormalExitPermanentRestarts verifies a permanent task is relaunched
// even after a clean (nil-error) exit.
func TestNormalExitPermanentRestarts(t *testing.T) {
	var runs int32
	s := New(time.Second)
	s.Register(Task{
		Name:          "permanent",
		RestartPolicy: Permanent,
		MinBackoff:    time.Millisecond,
		MaxBackoff:    2 * time.Millisecond,
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&runs, 1)
			if n >= 3 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&runs); got < 3 {
		t.Fatalf("permanent task only ran %d times, want at least 3", got)
	}
	cancel()
	s.Shutdown()
}
