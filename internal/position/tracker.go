// Package position consumes account position snapshots, detects
// open/increase/reduce/close/flip transitions by diffing signed net
// quantities, and publishes the resulting events to a hub — the same
// mutex-guarded-map shape the order book uses, turned into a pure
// diff/emit state machine instead of a CRUD manager.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/govalues/decimal"

	"github.com/epic1st/fno-core/datapipeline"
	"github.com/epic1st/fno-core/internal/eventbus"
)

// EventKind is the transition the tracker detected for one snapshot pair.
type EventKind string

const (
	Opened   EventKind = "OPENED"
	Increased EventKind = "INCREASED"
	Reduced  EventKind = "REDUCED"
	Closed   EventKind = "CLOSED"
	Flipped  EventKind = "FLIPPED"
)

// Snapshot is one observation of an account's net position in an
// instrument, keyed by a monotonic per-account sequence.
type Snapshot struct {
	AccountID        string
	Instrument       datapipeline.InstrumentKey
	NetQuantity      int64
	AverageEntryPrice decimal.Decimal
	RealizedPnL      decimal.Decimal
	SourceSequence   int64
}

// Event is published to the bus for each detected transition.
type Event struct {
	Kind       EventKind
	AccountID  string
	Instrument datapipeline.InstrumentKey
	PrevQty    int64
	NewQty     int64
	Snapshot   Snapshot
	ObservedAt time.Time
}

// SnapshotSource is the upstream feed of position snapshots. Reconnects
// signals each time the underlying transport re-establishes a connection
// (nil is a valid return for an implementation that never reconnects);
// callers use it to know when the next snapshot per key should be
// reconciled against stored state rather than diffed blindly.
type SnapshotSource interface {
	Snapshots() <-chan Snapshot
	Reconnects() <-chan struct{}
	Run(ctx context.Context) error
}

type trackKey struct {
	account string
	inst    datapipeline.InstrumentKey
}

// Tracker maintains the last-observed snapshot per (account, instrument)
// and emits transition events to the bus on every strictly newer one.
type Tracker struct {
	mu   sync.Mutex
	last map[trackKey]Snapshot
	bus  *eventbus.Hub
}

// New builds a Tracker publishing to bus.
func New(bus *eventbus.Hub) *Tracker {
	return &Tracker{
		last: make(map[trackKey]Snapshot),
		bus:  bus,
	}
}

// Observe folds one snapshot in. Stale snapshots (source_sequence <=
// stored) are ignored — this is what makes re-delivery idempotent.
func (t *Tracker) Observe(snap Snapshot) {
	key := trackKey{account: snap.AccountID, inst: snap.Instrument}

	t.mu.Lock()
	prev, known := t.last[key]
	if known && snap.SourceSequence <= prev.SourceSequence {
		t.mu.Unlock()
		return
	}
	t.last[key] = snap
	t.mu.Unlock()

	t.emitTransition(prev, known, snap)
}

// Reconcile treats the first snapshot observed per (account, instrument)
// after an upstream disconnect as ground truth: it diffs snap against
// whatever was last stored for that key (not against zero) and replaces
// the stored state, synthesizing OPENED/INCREASED/REDUCED/CLOSED/FLIPPED
// as appropriate — used by the runtime wiring when the snapshot source
// reports a reconnect gap. Unlike Observe it does not reject snap on
// source_sequence grounds: after a reconnect the feed's sequence may
// have reset, so the reconnect snapshot is authoritative regardless.
func (t *Tracker) Reconcile(snap Snapshot) {
	key := trackKey{account: snap.AccountID, inst: snap.Instrument}

	t.mu.Lock()
	prev, known := t.last[key]
	t.last[key] = snap
	t.mu.Unlock()

	t.emitTransition(prev, known, snap)
}

func (t *Tracker) emitTransition(prev Snapshot, known bool, snap Snapshot) {
	prevQty := int64(0)
	if known {
		prevQty = prev.NetQuantity
	}

	kind, fire := classify(prevQty, snap.NetQuantity)
	if !fire {
		return
	}

	if t.bus != nil {
		t.bus.Broadcast(Event{
			Kind:       kind,
			AccountID:  snap.AccountID,
			Instrument: snap.Instrument,
			PrevQty:    prevQty,
			NewQty:     snap.NetQuantity,
			Snapshot:   snap,
			ObservedAt: time.Now(),
		})
	}
}

func classify(prev, next int64) (EventKind, bool) {
	if prev == next {
		return "", false
	}
	switch {
	case prev == 0 && next != 0:
		return Opened, true
	case prev != 0 && next == 0:
		return Closed, true
	case sign(prev) == sign(next):
		if abs(next) > abs(prev) {
			return Increased, true
		}
		return Reduced, true
	default:
		return Flipped, true
	}
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
