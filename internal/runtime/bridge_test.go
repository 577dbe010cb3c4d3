package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/epic1st/fno-core/datapipeline"
	"github.com/epic1st/fno-core/internal/eventbus"
	"github.com/epic1st/fno-core/internal/position"
)

type fakeSnapshotSource struct {
	snaps      chan position.Snapshot
	reconnects chan struct{}
}

func newFakeSnapshotSource() *fakeSnapshotSource {
	return &fakeSnapshotSource{
		snaps:      make(chan position.Snapshot, 16),
		reconnects: make(chan struct{}, 1),
	}
}

func (f *fakeSnapshotSource) Snapshots() <-chan position.Snapshot { return f.snaps }
func (f *fakeSnapshotSource) Reconnects() <-chan struct{}         { return f.reconnects }
func (f *fakeSnapshotSource) Run(ctx context.Context) error       { <-ctx.Done(); return ctx.Err() }

// TestSnapshotIngestionReconcilesAfterReconnect verifies runSnapshotIngestion
// wires a reconnect signal into Tracker.Reconcile for the next snapshot per
// key, per §4.E, rather than always calling Observe.
func TestSnapshotIngestionReconcilesAfterReconnect(t *testing.T) {
	bus := eventbus.New(10)
	_, events, _, err := bus.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	tracker := position.New(bus)
	src := newFakeSnapshotSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runSnapshotIngestion(ctx, src, tracker)

	inst := datapipeline.InstrumentKey{Underlying: "NIFTY"}
	src.snaps <- position.Snapshot{AccountID: "A1", Instrument: inst, NetQuantity: 10, SourceSequence: 1}
	if ev := waitEvent(t, events); ev.Kind != position.Opened {
		t.Fatalf("seed event = %v, want %v", ev.Kind, position.Opened)
	}

	src.reconnects <- struct{}{}
	// An intervening snapshot for a different key must not consume the
	// pending reconcile for A1/NIFTY.
	other := datapipeline.InstrumentKey{Underlying: "BANKNIFTY"}
	src.snaps <- position.Snapshot{AccountID: "A2", Instrument: other, NetQuantity: 5, SourceSequence: 1}
	if ev := waitEvent(t, events); ev.Kind != position.Opened || ev.AccountID != "A2" {
		t.Fatalf("unrelated-key event = %+v, want OPENED for A2", ev)
	}

	src.snaps <- position.Snapshot{AccountID: "A1", Instrument: inst, NetQuantity: 0, SourceSequence: 1}
	ev := waitEvent(t, events)
	if ev.Kind != position.Closed || ev.PrevQty != 10 {
		t.Fatalf("post-reconnect event = %+v, want CLOSED with prev_qty 10", ev)
	}
}

func waitEvent(t *testing.T, events <-chan eventbus.Event) position.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev.(position.Event)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for position event")
		return position.Event{}
	}
}
