package datapipeline

import (
	"testing"

	"github.com/govalues/decimal"
)

func price(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.Parse(s)
	if err != nil {
		t.Fatalf("decimal.Parse(%q): %v", s, err)
	}
	return d
}

func TestBarStoreRingEvictsOldestBeyondCapacity(t *testing.T) {
	store := NewBarStore(3)
	inst := InstrumentKey{Underlying: "NIFTY"}

	for i := int64(0); i < 5; i++ {
		bucket := i * 60_000
		store.UpsertActive(inst, TF1Min, bucket, func(*Bar) *Bar {
			return &Bar{Instrument: inst, Timeframe: TF1Min, BucketStart: bucket, Open: price(t, "1"), High: price(t, "1"), Low: price(t, "1"), Close: price(t, "1")}
		})
		store.CloseActive(inst, TF1Min, bucket)
	}

	bars := store.Recent(inst, TF1Min, 10)
	if len(bars) != 3 {
		t.Fatalf("ring size = %d, want capacity 3", len(bars))
	}
	// Oldest-first, and only the 3 most recent buckets survive.
	for i, b := range bars {
		want := int64(2+i) * 60_000
		if b.BucketStart != want {
			t.Fatalf("bar[%d].BucketStart = %d, want %d", i, b.BucketStart, want)
		}
	}
}

func TestBarStoreAtMostOneOpenBarPerSeries(t *testing.T) {
	store := NewBarStore(10)
	inst := InstrumentKey{Underlying: "BANKNIFTY"}

	store.UpsertActive(inst, TF1Min, 0, func(*Bar) *Bar {
		return &Bar{Instrument: inst, Timeframe: TF1Min, BucketStart: 0, Open: price(t, "1"), High: price(t, "1"), Low: price(t, "1"), Close: price(t, "1")}
	})
	store.CloseActive(inst, TF1Min, 0)
	store.UpsertActive(inst, TF1Min, 60_000, func(*Bar) *Bar {
		return &Bar{Instrument: inst, Timeframe: TF1Min, BucketStart: 60_000, Open: price(t, "1"), High: price(t, "1"), Low: price(t, "1"), Close: price(t, "1")}
	})

	bars := store.Recent(inst, TF1Min, 10)
	openCount := 0
	for i, b := range bars {
		if !b.Closed {
			openCount++
		}
		if i > 0 && b.BucketStart <= bars[i-1].BucketStart {
			t.Fatalf("bucket starts not strictly increasing at index %d", i)
		}
	}
	if openCount != 1 {
		t.Fatalf("open bar count = %d, want exactly 1", openCount)
	}

	if _, ok := store.ActiveBar(inst, TF1Min); !ok {
		t.Fatal("expected an active bar to be present")
	}
}

func TestBarStoreSnapshotsAreCopiesNotViews(t *testing.T) {
	store := NewBarStore(10)
	inst := InstrumentKey{Underlying: "NIFTY"}
	store.UpsertActive(inst, TF1Min, 0, func(*Bar) *Bar {
		return &Bar{Instrument: inst, Timeframe: TF1Min, BucketStart: 0, Open: price(t, "100"), High: price(t, "100"), Low: price(t, "100"), Close: price(t, "100")}
	})

	snap, ok := store.ActiveBar(inst, TF1Min)
	if !ok {
		t.Fatal("expected active bar")
	}
	snap.Close = price(t, "999") // mutating the copy must not affect the store

	live, _ := store.ActiveBar(inst, TF1Min)
	if live.Close.String() == "999" {
		t.Fatal("ActiveBar returned a view into internal state, not a copy")
	}
}
