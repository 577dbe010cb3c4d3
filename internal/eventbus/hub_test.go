package eventbus

import (
	"testing"
	"time"
)

// TestFanOutFairnessForCaughtUpSubscriber reproduces scenario S2: with
// hub_queue_size=500, a subscriber that never reads is disconnected by
// broadcast 550 (queueSize*(1+jitter), property 5 — a broadcast count,
// not a wall-clock window), while a subscriber that reads each event right
// after its broadcast receives every one of the 550 broadcasts in order.
func TestFanOutFairnessForCaughtUpSubscriber(t *testing.T) {
	const queueSize = 500
	const totalBroadcasts = 550 // queueSize * (1 + jitter)

	hub := New(queueSize)
	defer hub.Close()

	_, fastEvents, fastClosed, err := hub.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}
	_, slowEvents, slowClosed, err := hub.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}

	var received []int
	var disconnectReason DisconnectReason
	disconnectedAt := -1
	for n := 0; n < totalBroadcasts; n++ {
		hub.Broadcast(n)
		// The fast subscriber takes each event before the next broadcast,
		// so its queue never fills.
		select {
		case ev := <-fastEvents:
			received = append(received, ev.(int))
		case <-fastClosed:
			t.Fatal("fast subscriber was disconnected")
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber did not receive broadcast %d", n)
		}
		select {
		case disconnectReason = <-slowClosed:
			disconnectedAt = n + 1
		default:
		}
		if disconnectedAt != -1 {
			break
		}
	}

	if disconnectReason != ReasonSlowConsumer {
		t.Fatalf("slow subscriber disconnect reason = %v, want %v (never disconnected within %d broadcasts)", disconnectReason, ReasonSlowConsumer, totalBroadcasts)
	}
	if disconnectedAt > totalBroadcasts {
		t.Fatalf("slow subscriber disconnected at broadcast %d, want at or before %d", disconnectedAt, totalBroadcasts)
	}

	for i, v := range received {
		if v != i {
			t.Fatalf("fast subscriber event order broken at index %d: got %d", i, v)
		}
	}
	if len(received) != totalBroadcasts {
		t.Fatalf("fast subscriber received %d events, want all %d", len(received), totalBroadcasts)
	}
	// Draining its queue afterward must not panic or block forever.
	for {
		select {
		case _, ok := <-slowEvents:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// TestPredicateFiltering verifies only matching subscribers receive a
// broadcast event.
func TestPredicateFiltering(t *testing.T) {
	hub := New(10)
	defer hub.Close()

	_, evens, _, _ := hub.Subscribe(func(e Event) bool { return e.(int)%2 == 0 })
	_, odds, _, _ := hub.Subscribe(func(e Event) bool { return e.(int)%2 != 0 })

	for i := 0; i < 4; i++ {
		hub.Broadcast(i)
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-evens:
			if ev.(int)%2 != 0 {
				t.Fatalf("even subscriber got odd value %v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for even subscriber")
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-odds:
			if ev.(int)%2 == 0 {
				t.Fatalf("odd subscriber got even value %v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for odd subscriber")
		}
	}
}

// TestUnsubscribeIsIdempotent exercises the idempotence the contract
// requires.
func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := New(10)
	handle, _, closedCh, _ := hub.Subscribe(nil)

	hub.Unsubscribe(handle)
	hub.Unsubscribe(handle) // must not panic

	select {
	case reason := <-closedCh:
		if reason != ReasonUnsubscribed {
			t.Fatalf("reason = %v, want %v", reason, ReasonUnsubscribed)
		}
	default:
		t.Fatal("expected the closed channel to carry a reason")
	}

	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", hub.SubscriberCount())
	}
}

// TestCloseDisconnectsEveryoneAndRejectsNewSubscribers matches the
// HUB_CLOSED shutdown path.
func TestCloseDisconnectsEveryoneAndRejectsNewSubscribers(t *testing.T) {
	hub := New(10)
	_, _, closedCh, _ := hub.Subscribe(nil)

	hub.Close()

	select {
	case reason := <-closedCh:
		if reason != ReasonHubClosed {
			t.Fatalf("reason = %v, want %v", reason, ReasonHubClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was not disconnected on Close")
	}

	if _, _, _, err := hub.Subscribe(nil); err != ErrClosed {
		t.Fatalf("Subscribe after Close = %v, want %v", err, ErrClosed)
	}
}
