package position

import (
	"testing"

	"github.com/epic1st/fno-core/datapipeline"
	"github.com/epic1st/fno-core/internal/eventbus"
)

func TestClassifyAllSignMagnitudeCombinations(t *testing.T) {
	cases := []struct {
		prev, next int64
		want       EventKind
		fire       bool
	}{
		{0, 0, "", false},
		{0, 10, Opened, true},
		{0, -10, Opened, true},
		{10, 0, Closed, true},
		{-10, 0, Closed, true},
		{10, 15, Increased, true},
		{-10, -15, Increased, true},
		{10, 6, Reduced, true},
		{-10, -6, Reduced, true},
		{10, -5, Flipped, true},
		{-10, 5, Flipped, true},
		{10, 10, "", false},
	}

	for _, c := range cases {
		kind, fire := classify(c.prev, c.next)
		if fire != c.fire || kind != c.want {
			t.Errorf("classify(%d, %d) = (%v, %v), want (%v, %v)", c.prev, c.next, kind, fire, c.want, c.fire)
		}
	}
}

func TestObserveEmitsOpenReduceClose(t *testing.T) {
	bus := eventbus.New(10)
	_, events, _, err := bus.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tracker := New(bus)
	inst := datapipeline.InstrumentKey{Underlying: "NIFTY", Expiry: "2026-01-29", OptionType: "CE"}

	snaps := []struct {
		seq int64
		qty int64
	}{
		{1, 0},
		{2, 10},
		{3, 6},
		{4, 0},
	}
	for _, s := range snaps {
		tracker.Observe(Snapshot{AccountID: "A1", Instrument: inst, NetQuantity: s.qty, SourceSequence: s.seq})
	}

	want := []EventKind{Opened, Reduced, Closed}
	for _, w := range want {
		ev := (<-events).(Event)
		if ev.Kind != w {
			t.Fatalf("got %v, want %v", ev.Kind, w)
		}
	}
}

// TestReconcileDiffsAgainstStoredPrevious reproduces §4.E: a reconnect
// snapshot showing the position fully unwound must synthesize CLOSED
// against the last known quantity, not OPENED-from-zero.
func TestReconcileDiffsAgainstStoredPrevious(t *testing.T) {
	bus := eventbus.New(10)
	_, events, _, _ := bus.Subscribe(nil)
	tracker := New(bus)
	inst := datapipeline.InstrumentKey{Underlying: "NIFTY"}

	tracker.Observe(Snapshot{AccountID: "A1", Instrument: inst, NetQuantity: 10, SourceSequence: 1})
	if ev := (<-events).(Event); ev.Kind != Opened {
		t.Fatalf("seed event = %v, want %v", ev.Kind, Opened)
	}

	// Reconnect: the feed's first post-gap snapshot shows flat. A
	// sequence number that looks stale/out-of-order relative to what was
	// stored must not suppress this — Reconcile is authoritative.
	tracker.Reconcile(Snapshot{AccountID: "A1", Instrument: inst, NetQuantity: 0, SourceSequence: 1})

	ev := (<-events).(Event)
	if ev.Kind != Closed {
		t.Fatalf("reconcile event = %v, want %v", ev.Kind, Closed)
	}
	if ev.PrevQty != 10 || ev.NewQty != 0 {
		t.Fatalf("reconcile diff = prev %d new %d, want prev 10 new 0", ev.PrevQty, ev.NewQty)
	}

	select {
	case unexpected := <-events:
		t.Fatalf("unexpected extra event: %+v", unexpected)
	default:
	}
}

// TestReconcileOnUnknownKeyBehavesLikeObserve verifies a reconnect
// snapshot for a key the tracker has never seen just opens normally.
func TestReconcileOnUnknownKeyBehavesLikeObserve(t *testing.T) {
	bus := eventbus.New(10)
	_, events, _, _ := bus.Subscribe(nil)
	tracker := New(bus)
	inst := datapipeline.InstrumentKey{Underlying: "BANKNIFTY"}

	tracker.Reconcile(Snapshot{AccountID: "A2", Instrument: inst, NetQuantity: 25, SourceSequence: 1})

	ev := (<-events).(Event)
	if ev.Kind != Opened || ev.PrevQty != 0 || ev.NewQty != 25 {
		t.Fatalf("reconcile on unknown key = %+v, want OPENED prev 0 new 25", ev)
	}
}

func TestObserveIgnoresStaleSequence(t *testing.T) {
	bus := eventbus.New(10)
	_, events, _, _ := bus.Subscribe(nil)
	tracker := New(bus)
	inst := datapipeline.InstrumentKey{Underlying: "BANKNIFTY"}

	tracker.Observe(Snapshot{AccountID: "A1", Instrument: inst, NetQuantity: 10, SourceSequence: 5})
	<-events // OPENED

	// Re-delivery of an old sequence must not emit anything.
	tracker.Observe(Snapshot{AccountID: "A1", Instrument: inst, NetQuantity: 0, SourceSequence: 3})

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for stale sequence: %+v", ev)
	default:
	}
}
