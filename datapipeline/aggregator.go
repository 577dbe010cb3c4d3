package datapipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/epic1st/fno-core/internal/eventbus"
)

const staleGraceMillis = 2000

// BarEventKind distinguishes the two fan-out event types the aggregator
// publishes to the hub.
type BarEventKind string

const (
	EventBarUpdate BarEventKind = "BAR_UPDATE"
	EventBarClosed BarEventKind = "BAR_CLOSED"
)

// BarEvent is broadcast to internal/eventbus.Hub subscribers.
type BarEvent struct {
	Kind BarEventKind
	Bar  Bar
}

// PersistFunc upserts one closed bar. The aggregator retries on error with
// exponential backoff before giving up.
type PersistFunc func(ctx context.Context, bar Bar) error

// Config bounds the aggregator's timeframe set and persistence queue.
type Config struct {
	Timeframes       []Timeframe
	PersistHighWater int // default 10000
	BarRingCapacity  int
	MaxRetries       int // default 5
	RetryBaseDelay   time.Duration
}

// DefaultConfig mirrors the spec defaults.
func DefaultConfig() Config {
	return Config{
		Timeframes:       DefaultTimeframes,
		PersistHighWater: 10000,
		BarRingCapacity:  barRingCapacity,
		MaxRetries:       5,
		RetryBaseDelay:   200 * time.Millisecond,
	}
}

// Aggregator turns the tick stream into closed bars, persists them, and
// publishes BAR_UPDATE/BAR_CLOSED events. It separates the in-memory
// critical section (bar mutation) from database I/O (persistence queue
// consumer), so write latency never stalls ingestion.
type Aggregator struct {
	cfg   Config
	store *BarStore
	hub   *eventbus.Hub
	log   *log.Logger

	persist PersistFunc
	queue   chan Bar
	deadCh  chan DeadBar
	mu      sync.Mutex

	// overflow absorbs closed bars when queue is momentarily saturated.
	// Ingestion must never block on persistence (§4.C/§5), so a full queue
	// spills here instead of stalling Ingest/Flush; the consumer loop in
	// Run drains overflow ahead of queue until it is empty again. wake
	// nudges Run out of its select as soon as something lands in overflow.
	overflowMu sync.Mutex
	overflow   []Bar
	wake       chan struct{}

	lastCumVolume map[InstrumentKey]int64
}

// DeadBar is a closed bar that exhausted its persistence retry budget.
type DeadBar struct {
	Bar Bar
	Err error
}

// New builds an Aggregator. hub receives BAR_UPDATE/BAR_CLOSED events;
// persist is invoked from a dedicated goroutine, outside any bar-store lock.
func New(cfg Config, hub *eventbus.Hub, persist PersistFunc, logger *log.Logger) *Aggregator {
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = DefaultTimeframes
	}
	if cfg.PersistHighWater <= 0 {
		cfg.PersistHighWater = 10000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		cfg:           cfg,
		store:         NewBarStore(cfg.BarRingCapacity),
		hub:           hub,
		log:           logger,
		persist:       persist,
		queue:         make(chan Bar, cfg.PersistHighWater),
		deadCh:        make(chan DeadBar, 256),
		wake:          make(chan struct{}, 1),
		lastCumVolume: make(map[InstrumentKey]int64),
	}
}

// Store exposes the underlying bar store for read-side queries.
func (a *Aggregator) Store() *BarStore { return a.store }

// DeadLetters yields bars that exhausted persistence retries.
func (a *Aggregator) DeadLetters() <-chan DeadBar { return a.deadCh }

// QueueDepth reports how many closed bars are waiting to be persisted.
func (a *Aggregator) QueueDepth() int { return len(a.queue) }

// OverflowDepth reports how many closed bars have spilled past the
// persistence queue's capacity and are waiting in the overflow buffer.
// A sustained non-zero depth means the persistence layer is falling
// behind ingestion and should page someone, not that anything is lost.
func (a *Aggregator) OverflowDepth() int {
	a.overflowMu.Lock()
	defer a.overflowMu.Unlock()
	return len(a.overflow)
}

// Run starts the persistence-queue consumer. Whenever the overflow buffer
// is non-empty it is drained ahead of queue, so bars are not persisted in
// bucket order once the queue has spilled. Run returns when ctx is
// cancelled, after draining whatever is already queued or overflowed.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		if bar, ok := a.popOverflow(); ok {
			a.persistWithRetry(ctx, bar)
			continue
		}
		select {
		case bar, ok := <-a.queue:
			if !ok {
				return nil
			}
			a.persistWithRetry(ctx, bar)
		case <-a.wake:
		case <-ctx.Done():
			a.drainQueue(ctx)
			return ctx.Err()
		}
	}
}

func (a *Aggregator) drainQueue(ctx context.Context) {
	for {
		if bar, ok := a.popOverflow(); ok {
			a.persistWithRetry(context.Background(), bar)
			continue
		}
		select {
		case bar, ok := <-a.queue:
			if !ok {
				return
			}
			a.persistWithRetry(context.Background(), bar)
		default:
			return
		}
	}
}

func (a *Aggregator) popOverflow() (Bar, bool) {
	a.overflowMu.Lock()
	defer a.overflowMu.Unlock()
	if len(a.overflow) == 0 {
		return Bar{}, false
	}
	bar := a.overflow[0]
	a.overflow = a.overflow[1:]
	return bar, true
}

func (a *Aggregator) persistWithRetry(ctx context.Context, bar Bar) {
	delay := a.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		if err = a.persist(ctx, bar); err == nil {
			return
		}
		a.log.Printf("[aggregator] persist attempt %d/%d failed for %s %s@%d: %v",
			attempt, a.cfg.MaxRetries, bar.Instrument.Underlying, bar.Timeframe, bar.BucketStart, err)
		if attempt == a.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
			goto deadLetter
		}
		delay *= 2
	}
deadLetter:
	select {
	case a.deadCh <- DeadBar{Bar: bar, Err: err}:
	default:
		a.log.Printf("[aggregator] dead-letter sink full, dropping bar %s %s@%d", bar.Instrument.Underlying, bar.Timeframe, bar.BucketStart)
	}
}

// Ingest folds one tick into every configured timeframe's open bar.
func (a *Aggregator) Ingest(tick Tick) error {
	if err := validateTick(tick); err != nil {
		return err
	}

	a.mu.Lock()
	priorCumulative, haveCumulative := a.lastCumVolume[tick.Instrument]
	a.lastCumVolume[tick.Instrument] = tick.CumulativeVolume
	a.mu.Unlock()

	delta := tick.LastTradedQty
	if haveCumulative && tick.CumulativeVolume > 0 {
		if d := tick.CumulativeVolume - priorCumulative; d > delta {
			delta = d
		}
	}

	for _, tf := range a.cfg.Timeframes {
		if err := a.ingestTimeframe(tick, tf, delta); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) ingestTimeframe(tick Tick, tf Timeframe, volumeDelta int64) error {
	bucketStart := BucketStart(tick.TimestampMillis, tf)

	if active, ok := a.store.ActiveBar(tick.Instrument, tf); ok {
		if tick.TimestampMillis < active.BucketStart-staleGraceMillis {
			return ErrRejectedStale
		}
		if bucketStart > active.BucketStart {
			closed := a.store.CloseActive(tick.Instrument, tf, active.BucketStart)
			if closed != nil {
				a.enqueuePersist(*closed)
				a.publish(EventBarClosed, *closed)
			}
		}
	}

	bar := a.store.UpsertActive(tick.Instrument, tf, bucketStart, func(existing *Bar) *Bar {
		if existing == nil || existing.BucketStart != bucketStart {
			return &Bar{
				Instrument:  tick.Instrument,
				Timeframe:   tf,
				BucketStart: bucketStart,
				Open:        tick.LastTradedPrice,
				High:        tick.LastTradedPrice,
				Low:         tick.LastTradedPrice,
				Close:       tick.LastTradedPrice,
				Volume:      volumeDelta,
				OpenInt:     tick.OpenInterest,
				TickCount:   1,
			}
		}
		next := *existing
		if tick.LastTradedPrice.Cmp(next.High) > 0 {
			next.High = tick.LastTradedPrice
		}
		if tick.LastTradedPrice.Cmp(next.Low) < 0 {
			next.Low = tick.LastTradedPrice
		}
		next.Close = tick.LastTradedPrice
		next.Volume += volumeDelta
		next.OpenInt = tick.OpenInterest
		next.TickCount++
		return &next
	})

	if tf == TF1Min {
		a.publish(EventBarUpdate, *bar)
	}
	return nil
}

// Flush forcibly closes and persists every open bar whose bucket has
// already ended as of now. Non-blocking for ingestion: it only touches
// the bar store's per-key locks, never the persistence queue's consumer.
func (a *Aggregator) Flush(now time.Time) {
	nowMillis := now.UnixMilli()
	for _, bar := range a.store.AllActiveBars() {
		if BucketEnd(bar.BucketStart, bar.Timeframe) > nowMillis {
			continue
		}
		closed := a.store.CloseActive(bar.Instrument, bar.Timeframe, bar.BucketStart)
		if closed != nil {
			a.enqueuePersist(*closed)
			a.publish(EventBarClosed, *closed)
		}
	}
}

// enqueuePersist hands a closed bar to the persistence consumer without
// ever blocking: Ingest/Flush must stay on the hot path regardless of how
// far behind the database writer has fallen. A full queue spills to the
// overflow buffer instead of stalling the caller, matching the same
// drop-never-block-the-producer policy eventbus.Hub applies to slow WS
// consumers (there it sheds events; here it can't, so it queues instead).
func (a *Aggregator) enqueuePersist(bar Bar) {
	select {
	case a.queue <- bar:
		return
	default:
	}

	a.overflowMu.Lock()
	a.overflow = append(a.overflow, bar)
	depth := len(a.overflow)
	a.overflowMu.Unlock()

	a.log.Printf("[aggregator] persistence queue saturated, spilling closed bar %s %s@%d to overflow buffer (depth=%d)",
		bar.Instrument.Underlying, bar.Timeframe, bar.BucketStart, depth)

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Aggregator) publish(kind BarEventKind, bar Bar) {
	if a.hub == nil {
		return
	}
	if kind == EventBarUpdate && len(a.queue) >= a.cfg.PersistHighWater {
		// Backpressure: shed BAR_UPDATE only, per the persistence
		// high-water mark. BAR_CLOSED always gets through.
		return
	}
	a.hub.Broadcast(BarEvent{Kind: kind, Bar: bar})
}
