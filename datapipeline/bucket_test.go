package datapipeline

import "testing"

func TestBucketStartFloorsToTimeframe(t *testing.T) {
	cases := []struct {
		ts   int64
		tf   Timeframe
		want int64
	}{
		{0, TF1Min, 0},
		{59_999, TF1Min, 0},
		{60_000, TF1Min, 60_000},
		{125_000, TF1Min, 120_000},
		{125_000, TF5Min, 0},
		{900_000, TF15Min, 900_000},
		{3_600_000, TF1Hour, 3_600_000},
		{3_599_999, TF1Hour, 0},
	}
	for _, c := range cases {
		if got := BucketStart(c.ts, c.tf); got != c.want {
			t.Errorf("BucketStart(%d, %v) = %d, want %d", c.ts, c.tf, got, c.want)
		}
	}
}

func TestBucketStartTieBreaksToBucketItself(t *testing.T) {
	// A tick timestamped exactly on a bucket boundary belongs to the bucket
	// that starts there, not the one before it.
	if got := BucketStart(60_000, TF1Min); got != 60_000 {
		t.Fatalf("boundary tick landed in %d, want 60000", got)
	}
}

func TestBucketEndIsExclusive(t *testing.T) {
	start := BucketStart(125_000, TF1Min)
	end := BucketEnd(start, TF1Min)
	if end != 180_000 {
		t.Fatalf("BucketEnd = %d, want 180000", end)
	}
	if BucketStart(end, TF1Min) == start {
		t.Fatalf("bucket end timestamp must belong to the next bucket")
	}
}

func TestParseTimeframeRoundTrip(t *testing.T) {
	for _, s := range []string{"1m", "5m", "15m", "1h"} {
		tf, ok := ParseTimeframe(s)
		if !ok {
			t.Fatalf("ParseTimeframe(%q) not ok", s)
		}
		if tf.String() != s {
			t.Fatalf("round trip %q -> %v -> %q", s, tf, tf.String())
		}
	}
	if _, ok := ParseTimeframe("3m"); ok {
		t.Fatal("unknown timeframe should not parse")
	}
}
