package datapipeline

import (
	"sort"
	"sync"

	"github.com/govalues/decimal"
)

// InstrumentKey identifies a single tradable F&O contract. It is a
// comparable struct so it can key maps directly.
type InstrumentKey struct {
	Underlying string
	Expiry     string
	OptionType string // "CE", "PE", or "" for futures
	Strike     decimal.Decimal
}

// String renders the canonical wire/storage form of the key, used both
// by the persistence adapter's unique-constraint column and by the hub's
// subscription-predicate matching, so both sides agree on one format.
func (k InstrumentKey) String() string {
	return k.Underlying + "|" + k.Expiry + "|" + k.OptionType + "|" + k.Strike.String()
}

// Bar is one OHLC candle for an instrument/timeframe bucket.
type Bar struct {
	Instrument  InstrumentKey
	Timeframe   Timeframe
	BucketStart int64 // ms, inclusive
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      int64
	OpenInt     int64
	TickCount   int64
	Closed      bool
}

const barRingCapacity = 240

type barKey struct {
	inst InstrumentKey
	tf   Timeframe
}

// BarStore holds the active and recently-closed bars for every
// (instrument, timeframe) pair behind a striped lock, so updates to
// unrelated instruments never contend.
type BarStore struct {
	shards   int
	locks    []sync.Mutex
	bars     map[barKey][]*Bar // ring buffer, oldest first, bounded to capacity
	capacity int
}

// NewBarStore builds a store with the given ring capacity per series.
// A capacity of 0 falls back to barRingCapacity.
func NewBarStore(capacity int) *BarStore {
	if capacity <= 0 {
		capacity = barRingCapacity
	}
	const shardCount = 64
	return &BarStore{
		shards:   shardCount,
		locks:    make([]sync.Mutex, shardCount),
		bars:     make(map[barKey][]*Bar),
		capacity: capacity,
	}
}

func (s *BarStore) shardFor(k barKey) *sync.Mutex {
	h := uint32(2166136261)
	for _, b := range []byte(k.inst.Underlying + k.inst.Expiry + k.inst.OptionType) {
		h ^= uint32(b)
		h *= 16777619
	}
	h ^= uint32(k.tf)
	return &s.locks[int(h)%s.shards]
}

// UpsertActive inserts the bucket's active (still-open) bar, replacing
// any prior in-progress bar for the same bucket. Use CloseActive to
// seal it once the bucket elapses.
func (s *BarStore) UpsertActive(inst InstrumentKey, tf Timeframe, bucketStart int64, apply func(active *Bar) *Bar) *Bar {
	key := barKey{inst, tf}
	lock := s.shardFor(key)
	lock.Lock()
	defer lock.Unlock()

	series := s.bars[key]
	if n := len(series); n > 0 && !series[n-1].Closed && series[n-1].BucketStart == bucketStart {
		series[n-1] = apply(series[n-1])
		return series[n-1]
	}

	bar := apply(nil)
	series = append(series, bar)
	if len(series) > s.capacity {
		series = series[len(series)-s.capacity:]
	}
	s.bars[key] = series
	return bar
}

// CloseActive marks the most recent bar for (inst, tf) as closed, if its
// bucket start matches bucketStart. Returns nil if nothing matched (the
// bucket already rolled over with no ticks, or was already closed).
func (s *BarStore) CloseActive(inst InstrumentKey, tf Timeframe, bucketStart int64) *Bar {
	key := barKey{inst, tf}
	lock := s.shardFor(key)
	lock.Lock()
	defer lock.Unlock()

	series := s.bars[key]
	n := len(series)
	if n == 0 {
		return nil
	}
	last := series[n-1]
	if last.Closed || last.BucketStart != bucketStart {
		return nil
	}
	closed := *last
	closed.Closed = true
	series[n-1] = &closed
	return &closed
}

// ActiveBar returns a copy of the current in-progress bar, if any.
func (s *BarStore) ActiveBar(inst InstrumentKey, tf Timeframe) (Bar, bool) {
	key := barKey{inst, tf}
	lock := s.shardFor(key)
	lock.Lock()
	defer lock.Unlock()

	series := s.bars[key]
	n := len(series)
	if n == 0 || series[n-1].Closed {
		return Bar{}, false
	}
	return *series[n-1], true
}

// Recent returns up to n most-recent bars (closed and active) for the
// series, oldest first, as copies.
func (s *BarStore) Recent(inst InstrumentKey, tf Timeframe, n int) []Bar {
	key := barKey{inst, tf}
	lock := s.shardFor(key)
	lock.Lock()
	defer lock.Unlock()

	series := s.bars[key]
	if n <= 0 || n > len(series) {
		n = len(series)
	}
	out := make([]Bar, n)
	for i, b := range series[len(series)-n:] {
		out[i] = *b
	}
	return out
}

// AllActiveBars returns a snapshot of every currently-open bar across all
// instruments and timeframes, sorted for deterministic iteration.
func (s *BarStore) AllActiveBars() []Bar {
	var out []Bar
	for i := range s.locks {
		s.locks[i].Lock()
	}
	for key, series := range s.bars {
		if n := len(series); n > 0 && !series[n-1].Closed {
			_ = key
			out = append(out, *series[n-1])
		}
	}
	for i := range s.locks {
		s.locks[i].Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument.Underlying != out[j].Instrument.Underlying {
			return out[i].Instrument.Underlying < out[j].Instrument.Underlying
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}
