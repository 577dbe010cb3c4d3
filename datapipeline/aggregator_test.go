package datapipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/govalues/decimal"

	"github.com/epic1st/fno-core/internal/eventbus"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.Parse(s)
	if err != nil {
		t.Fatalf("decimal.Parse(%q): %v", s, err)
	}
	return d
}

func tick(t *testing.T, inst InstrumentKey, tsMillis int64, price string, qty int64) Tick {
	return Tick{
		Instrument:      inst,
		TimestampMillis: tsMillis,
		LastTradedPrice: mustDecimal(t, price),
		LastTradedQty:   qty,
	}
}

// TestMinuteOfTicksAggregation reproduces scenario S1: a minute's worth of
// ticks for one instrument, checking the BAR_UPDATE after the fourth tick
// and the BAR_CLOSED/new-bar rollover after the fifth.
func TestMinuteOfTicksAggregation(t *testing.T) {
	bus := eventbus.New(100)
	_, events, _, err := bus.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var persisted []Bar
	agg := New(Config{Timeframes: []Timeframe{TF1Min}}, bus, func(_ context.Context, bar Bar) error {
		persisted = append(persisted, bar)
		return nil
	}, nil)

	inst := InstrumentKey{Underlying: "NIFTY", Expiry: "2026-01-29", OptionType: "CE", Strike: mustDecimal(t, "21500")}

	const t0 = 120_000 // aligned to a 1m bucket start
	ticks := []Tick{
		tick(t, inst, t0, "150.00", 100),
		tick(t, inst, t0+10_000, "151.50", 100),
		tick(t, inst, t0+25_000, "149.75", 100),
		tick(t, inst, t0+59_000, "150.25", 100),
		tick(t, inst, t0+61_000, "152.00", 100),
	}

	for i := 0; i < 4; i++ {
		if err := agg.Ingest(ticks[i]); err != nil {
			t.Fatalf("ingest tick %d: %v", i, err)
		}
		// Every tick in the still-open bucket emits its own BAR_UPDATE; only
		// the one after the 4th tick needs checking against S1.
		ev := drainOne(t, events).(BarEvent)
		if i == 3 {
			if ev.Kind != EventBarUpdate {
				t.Fatalf("expected BAR_UPDATE, got %v", ev.Kind)
			}
			want := map[string]string{"open": "150.00", "high": "151.50", "low": "149.75", "close": "150.25"}
			if ev.Bar.Open.String() != want["open"] || ev.Bar.High.String() != want["high"] ||
				ev.Bar.Low.String() != want["low"] || ev.Bar.Close.String() != want["close"] {
				t.Fatalf("bar after 4th tick = %+v", ev.Bar)
			}
			if ev.Bar.Volume != 400 {
				t.Fatalf("volume after 4th tick = %d, want 400", ev.Bar.Volume)
			}
		}
	}

	if err := agg.Ingest(ticks[4]); err != nil {
		t.Fatalf("ingest 5th tick: %v", err)
	}

	closedEv := drainOne(t, events).(BarEvent)
	if closedEv.Kind != EventBarClosed {
		t.Fatalf("expected BAR_CLOSED after 5th tick, got %v", closedEv.Kind)
	}
	if closedEv.Bar.BucketStart != t0 || closedEv.Bar.Volume != 400 {
		t.Fatalf("closed bar = %+v", closedEv.Bar)
	}
	if !closedEv.Bar.Closed {
		t.Fatal("closed bar event must carry Closed=true")
	}

	newOpenEv := drainOne(t, events).(BarEvent)
	if newOpenEv.Kind != EventBarUpdate {
		t.Fatalf("expected BAR_UPDATE for the new open bar, got %v", newOpenEv.Kind)
	}
	wantBucket := BucketStart(t0+61_000, TF1Min)
	if newOpenEv.Bar.BucketStart != wantBucket {
		t.Fatalf("new bar bucket_start = %d, want %d", newOpenEv.Bar.BucketStart, wantBucket)
	}
	if newOpenEv.Bar.Open.String() != "152.00" || newOpenEv.Bar.Close.String() != "152.00" {
		t.Fatalf("new bar OHLC = %+v", newOpenEv.Bar)
	}
	if newOpenEv.Bar.Volume != 100 {
		t.Fatalf("new bar volume = %d, want 100", newOpenEv.Bar.Volume)
	}

	// Persistence happens on Run's consumer; a Run whose context is
	// already cancelled persists what is queued and returns.
	runCtx, cancelRun := context.WithCancel(context.Background())
	cancelRun()
	agg.Run(runCtx)

	if len(persisted) != 1 || persisted[0].BucketStart != t0 {
		t.Fatalf("persisted bars = %+v, want exactly the closed t0 bucket", persisted)
	}
}

// TestIngestRejectsStaleAndInvalidTicks exercises the two local-rejection
// error kinds from §4.C's ingest contract.
func TestIngestRejectsStaleAndInvalidTicks(t *testing.T) {
	bus := eventbus.New(10)
	agg := New(Config{Timeframes: []Timeframe{TF1Min}}, bus, func(context.Context, Bar) error { return nil }, nil)
	inst := InstrumentKey{Underlying: "BANKNIFTY"}

	if err := agg.Ingest(tick(t, inst, 120_000, "100.00", 10)); err != nil {
		t.Fatalf("seed ingest: %v", err)
	}

	stale := tick(t, inst, 120_000-staleGraceMillis-1, "101.00", 10)
	if err := agg.Ingest(stale); err == nil {
		t.Fatal("expected ErrRejectedStale for a tick older than the grace window")
	}

	invalid := Tick{Instrument: inst, TimestampMillis: 121_000, LastTradedPrice: mustDecimal(t, "-1.00"), LastTradedQty: 10}
	if err := agg.Ingest(invalid); err == nil {
		t.Fatal("expected ErrRejectedInvalid for a non-positive price")
	}
}

// TestClosedBarPersistNeverBlocksIngestion reproduces the §4.C/§5
// invariant that ingestion never blocks on persistence: with a
// one-slot queue and no consumer running, closing many bars in a row
// must return promptly (spilling to the overflow buffer) rather than
// hang on a full channel send.
func TestClosedBarPersistNeverBlocksIngestion(t *testing.T) {
	bus := eventbus.New(100)
	agg := New(Config{Timeframes: []Timeframe{TF1Min}, PersistHighWater: 1}, bus,
		func(context.Context, Bar) error { return nil }, nil)
	inst := InstrumentKey{Underlying: "NIFTY"}

	const buckets = 6
	done := make(chan struct{})
	go func() {
		for i := int64(0); i < buckets; i++ {
			ts := i * 60_000
			if err := agg.Ingest(tick(t, inst, ts, "100.00", 10)); err != nil {
				t.Errorf("ingest bucket %d: %v", i, err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Ingest blocked on a saturated persistence queue instead of spilling to overflow")
	}

	if agg.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1 (queue capacity)", agg.QueueDepth())
	}
	if got := agg.OverflowDepth(); got != buckets-2 {
		t.Fatalf("OverflowDepth() = %d, want %d (closed bars beyond queue capacity)", got, buckets-2)
	}
}

// TestRunDrainsOverflowAheadOfQueue verifies Run's consumer empties both
// the queue and the overflow buffer accumulated while it was unstarted,
// persisting every closed bar.
func TestRunDrainsOverflowAheadOfQueue(t *testing.T) {
	bus := eventbus.New(100)
	var persisted []int64
	var mu sync.Mutex
	agg := New(Config{Timeframes: []Timeframe{TF1Min}, PersistHighWater: 1}, bus,
		func(_ context.Context, bar Bar) error {
			mu.Lock()
			persisted = append(persisted, bar.BucketStart)
			mu.Unlock()
			return nil
		}, nil)
	inst := InstrumentKey{Underlying: "NIFTY"}

	const buckets = 5
	for i := int64(0); i < buckets; i++ {
		if err := agg.Ingest(tick(t, inst, i*60_000, "100.00", 10)); err != nil {
			t.Fatalf("ingest bucket %d: %v", i, err)
		}
	}
	if agg.OverflowDepth() == 0 {
		t.Fatal("expected bars to have spilled to overflow before Run starts")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for agg.QueueDepth()+agg.OverflowDepth() > 0 {
		select {
		case <-deadline:
			t.Fatal("Run never drained queue and overflow")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	n := len(persisted)
	mu.Unlock()
	if n != buckets-1 {
		t.Fatalf("persisted %d closed bars, want %d", n, buckets-1)
	}
}

func drainOne(t *testing.T, events <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
