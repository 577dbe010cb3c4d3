// Package persistence is the pgxpool-backed adapter for bars, positions,
// and the cleanup audit log. A bounded Acquire deadline maps directly onto
// pool.Acquire's context, and every query carries its own deadline —
// generalized from datapipeline's Redis-only storage tier
// (datapipeline/storage.go in the teacher) onto a real SQL store, per the
// §4.J pool/acquire-timeout/query-timeout contract.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epic1st/fno-core/cache"
	"github.com/epic1st/fno-core/datapipeline"
	"github.com/epic1st/fno-core/internal/position"
	"github.com/epic1st/fno-core/logging"
)

// positionCacheTTL bounds how long a LoadLastPositions result may be
// served stale out of the read-through cache before the database is
// consulted again.
const positionCacheTTL = 5 * time.Second

var (
	// ErrPoolExhausted is returned when a connection could not be acquired
	// within the configured acquire timeout.
	ErrPoolExhausted = errors.New("persistence: pool exhausted")
	// ErrQueryTimeout is returned when a query exceeds its deadline.
	ErrQueryTimeout = errors.New("persistence: query timeout")
)

// Config bounds pool size and the two mandatory deadlines.
type Config struct {
	DSN            string
	MinConnections int32
	MaxConnections int32
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
}

// DefaultConfig mirrors the spec defaults.
func DefaultConfig() Config {
	return Config{
		MinConnections: 2,
		MaxConnections: 10,
		AcquireTimeout: 5 * time.Second,
		QueryTimeout:   60 * time.Second,
	}
}

// CleanupLogRow is one append-only audit row per cleanup action.
type CleanupLogRow struct {
	AccountID     string
	InstrumentKey string
	BrokerOrderID string
	Action        string // CANCEL or MODIFY
	Outcome       string // SUCCESS or FAILURE
	Detail        string
	ObservedAt    time.Time
}

// Adapter is the typed persistence surface the core depends on.
type Adapter struct {
	pool  *pgxpool.Pool
	cfg   Config
	cache *cache.RedisCache
}

// WithCache attaches a read-through cache for LoadLastPositions. Queries
// and upserts work identically without one; this only shortens repeated
// LoadLastPositions reads for the same account within positionCacheTTL.
func (a *Adapter) WithCache(c *cache.RedisCache) *Adapter {
	a.cache = c
	return a
}

// Open builds the pool and pings it once.
func Open(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 60 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse dsn: %w", err)
	}
	poolCfg.MinConns = cfg.MinConnections
	poolCfg.MaxConns = cfg.MaxConnections

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}

	return &Adapter{pool: pool, cfg: cfg}, nil
}

// Close releases the pool.
func (a *Adapter) Close() { a.pool.Close() }

// Ping verifies the database is reachable, for /healthz.
func (a *Adapter) Ping(ctx context.Context) error { return a.pool.Ping(ctx) }

// PoolStat reports the pool's current acquisition pressure, for /healthz.
func (a *Adapter) PoolStat() (acquired, total int32) {
	stat := a.pool.Stat()
	return stat.AcquiredConns(), stat.TotalConns()
}

func (a *Adapter) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, a.cfg.AcquireTimeout)
	defer cancel()
	conn, err := a.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	return conn, nil
}

func (a *Adapter) withQueryDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.QueryTimeout)
}

func translateQueryErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	return err
}

// UpsertBars idempotently writes a batch of closed bars, keyed on
// (instrument_key, timeframe, bucket_start).
func (a *Adapter) UpsertBars(ctx context.Context, batch []datapipeline.Bar) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { logging.LogSlowQuery(ctx, "UpsertBars", time.Since(start)) }()

	conn, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := a.withQueryDeadline(ctx)
	defer cancel()

	tx, err := conn.Begin(qctx)
	if err != nil {
		return translateQueryErr(err)
	}
	defer tx.Rollback(qctx)

	const stmt = `
		INSERT INTO bars (instrument_key, timeframe, bucket_start, open, high, low, close, volume, open_interest_last, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (instrument_key, timeframe, bucket_start) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
			volume = EXCLUDED.volume, open_interest_last = EXCLUDED.open_interest_last, closed_at = EXCLUDED.closed_at`

	for _, bar := range batch {
		instKey := bar.Instrument.String()
		if _, err := tx.Exec(qctx, stmt, instKey, bar.Timeframe.String(), bar.BucketStart,
			bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(), bar.Volume, bar.OpenInt); err != nil {
			return translateQueryErr(err)
		}
	}

	if err := tx.Commit(qctx); err != nil {
		return translateQueryErr(err)
	}
	return nil
}

// QueryBars returns up to limit bars for one series within [from, to).
func (a *Adapter) QueryBars(ctx context.Context, inst datapipeline.InstrumentKey, tf datapipeline.Timeframe, from, to int64, limit int) ([]datapipeline.Bar, error) {
	start := time.Now()
	defer func() { logging.LogSlowQuery(ctx, "QueryBars "+inst.String(), time.Since(start)) }()

	conn, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	qctx, cancel := a.withQueryDeadline(ctx)
	defer cancel()

	const stmt = `
		SELECT bucket_start, open, high, low, close, volume, open_interest_last, closed_at
		FROM bars
		WHERE instrument_key = $1 AND timeframe = $2 AND bucket_start >= $3 AND bucket_start < $4
		ORDER BY bucket_start ASC
		LIMIT $5`

	rows, err := conn.Query(qctx, stmt, inst.String(), tf.String(), from, to, limit)
	if err != nil {
		return nil, translateQueryErr(err)
	}
	defer rows.Close()

	var out []datapipeline.Bar
	for rows.Next() {
		var (
			bucketStart                       int64
			open, high, low, close            string
			volume, openInt                   int64
			closedAt                          *time.Time
		)
		if err := rows.Scan(&bucketStart, &open, &high, &low, &close, &volume, &openInt, &closedAt); err != nil {
			return nil, translateQueryErr(err)
		}
		bar := datapipeline.Bar{
			Instrument:  inst,
			Timeframe:   tf,
			BucketStart: bucketStart,
			Volume:      volume,
			OpenInt:     openInt,
			Closed:      closedAt != nil,
		}
		bar.Open, _ = parseDecimal(open)
		bar.High, _ = parseDecimal(high)
		bar.Low, _ = parseDecimal(low)
		bar.Close, _ = parseDecimal(close)
		out = append(out, bar)
	}
	return out, translateQueryErr(rows.Err())
}

// UpsertPosition writes one position snapshot, keyed on (account_id, instrument_key).
func (a *Adapter) UpsertPosition(ctx context.Context, snap position.Snapshot) error {
	conn, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := a.withQueryDeadline(ctx)
	defer cancel()

	const stmt = `
		INSERT INTO positions (account_id, instrument_key, net_quantity, average_entry_price, realized_pnl, source_sequence, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (account_id, instrument_key) DO UPDATE SET
			net_quantity = EXCLUDED.net_quantity,
			average_entry_price = EXCLUDED.average_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			source_sequence = EXCLUDED.source_sequence,
			observed_at = EXCLUDED.observed_at
		WHERE positions.source_sequence < EXCLUDED.source_sequence`

	_, err = conn.Exec(qctx, stmt, snap.AccountID, snap.Instrument.String(), snap.NetQuantity,
		snap.AverageEntryPrice.String(), snap.RealizedPnL.String(), snap.SourceSequence)
	if err != nil {
		return translateQueryErr(err)
	}

	if a.cache != nil {
		_ = a.cache.Delete(ctx, cache.PositionSnapshotKey(snap.AccountID))
	}
	return nil
}

// LoadLastPositions returns the most recently observed snapshot for every
// instrument the account holds, preferring the read-through cache when one
// is attached.
func (a *Adapter) LoadLastPositions(ctx context.Context, accountID string) ([]position.Snapshot, error) {
	cacheKey := cache.PositionSnapshotKey(accountID)
	if a.cache != nil {
		if cached, err := a.cache.Get(ctx, cacheKey); err == nil {
			if snaps, ok := decodeCachedSnapshots(cached); ok {
				return snaps, nil
			}
		}
	}

	snaps, err := a.loadLastPositionsFromDB(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		_ = a.cache.Set(ctx, cacheKey, encodeCachedSnapshots(snaps), positionCacheTTL)
	}
	return snaps, nil
}

// cachedSnapshot is the plain-string wire shape stored in the
// read-through cache — decimal.Decimal fields round-trip as strings so
// the cache never depends on how the decimal library marshals itself.
type cachedSnapshot struct {
	AccountID         string `json:"account_id"`
	InstrumentKey     string `json:"instrument_key"`
	NetQuantity       int64  `json:"net_quantity"`
	AverageEntryPrice string `json:"average_entry_price"`
	RealizedPnL       string `json:"realized_pnl"`
	SourceSequence    int64  `json:"source_sequence"`
}

func encodeCachedSnapshots(snaps []position.Snapshot) []cachedSnapshot {
	out := make([]cachedSnapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, cachedSnapshot{
			AccountID:         s.AccountID,
			InstrumentKey:     s.Instrument.String(),
			NetQuantity:       s.NetQuantity,
			AverageEntryPrice: s.AverageEntryPrice.String(),
			RealizedPnL:       s.RealizedPnL.String(),
			SourceSequence:    s.SourceSequence,
		})
	}
	return out
}

// decodeCachedSnapshots converts the cache's generic JSON-decoded value
// (an []interface{} of map[string]interface{}, per encoding/json's
// untyped decoding) back into typed snapshots.
func decodeCachedSnapshots(cached interface{}) ([]position.Snapshot, bool) {
	raw, ok := cached.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]position.Snapshot, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, false
		}
		accountID, _ := m["account_id"].(string)
		instKey, _ := m["instrument_key"].(string)
		netQty, _ := m["net_quantity"].(float64)
		avgEntry, _ := m["average_entry_price"].(string)
		realizedPnL, _ := m["realized_pnl"].(string)
		seq, _ := m["source_sequence"].(float64)

		snap := position.Snapshot{
			AccountID:      accountID,
			Instrument:     parseInstrumentKey(instKey),
			NetQuantity:    int64(netQty),
			SourceSequence: int64(seq),
		}
		snap.AverageEntryPrice, _ = parseDecimal(avgEntry)
		snap.RealizedPnL, _ = parseDecimal(realizedPnL)
		out = append(out, snap)
	}
	return out, true
}

func (a *Adapter) loadLastPositionsFromDB(ctx context.Context, accountID string) ([]position.Snapshot, error) {
	conn, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	qctx, cancel := a.withQueryDeadline(ctx)
	defer cancel()

	const stmt = `
		SELECT instrument_key, net_quantity, average_entry_price, realized_pnl, source_sequence
		FROM positions WHERE account_id = $1`

	rows, err := conn.Query(qctx, stmt, accountID)
	if err != nil {
		return nil, translateQueryErr(err)
	}
	defer rows.Close()

	var out []position.Snapshot
	for rows.Next() {
		var (
			instKey               string
			netQty, seq           int64
			avgEntry, realizedPnL string
		)
		if err := rows.Scan(&instKey, &netQty, &avgEntry, &realizedPnL, &seq); err != nil {
			return nil, translateQueryErr(err)
		}
		snap := position.Snapshot{
			AccountID:      accountID,
			Instrument:     parseInstrumentKey(instKey),
			NetQuantity:    netQty,
			SourceSequence: seq,
		}
		snap.AverageEntryPrice, _ = parseDecimal(avgEntry)
		snap.RealizedPnL, _ = parseDecimal(realizedPnL)
		out = append(out, snap)
	}
	return out, translateQueryErr(rows.Err())
}

// RecordCleanup appends one cleanup_log row.
func (a *Adapter) RecordCleanup(ctx context.Context, row CleanupLogRow) error {
	conn, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := a.withQueryDeadline(ctx)
	defer cancel()

	const stmt = `
		INSERT INTO cleanup_log (account_id, instrument_key, broker_order_id, action, outcome, detail, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = conn.Exec(qctx, stmt, row.AccountID, row.InstrumentKey, row.BrokerOrderID, row.Action, row.Outcome, row.Detail, row.ObservedAt)
	return translateQueryErr(err)
}

// ProtectiveOrderRow is one protective order linked to a position, as
// stored in order_references.
type ProtectiveOrderRow struct {
	BrokerOrderID string
	Quantity      int64
}

// ProtectiveOrders returns, in one batched query, every protective order
// linked to an account's position in one instrument.
func (a *Adapter) ProtectiveOrders(ctx context.Context, accountID, instrumentKey string) ([]ProtectiveOrderRow, error) {
	conn, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	qctx, cancel := a.withQueryDeadline(ctx)
	defer cancel()

	const stmt = `
		SELECT broker_order_id, quantity
		FROM order_references WHERE account_id = $1 AND instrument_key = $2`

	rows, err := conn.Query(qctx, stmt, accountID, instrumentKey)
	if err != nil {
		return nil, translateQueryErr(err)
	}
	defer rows.Close()

	var out []ProtectiveOrderRow
	for rows.Next() {
		var row ProtectiveOrderRow
		if err := rows.Scan(&row.BrokerOrderID, &row.Quantity); err != nil {
			return nil, translateQueryErr(err)
		}
		out = append(out, row)
	}
	return out, translateQueryErr(rows.Err())
}

func parseInstrumentKey(s string) datapipeline.InstrumentKey {
	var k datapipeline.InstrumentKey
	parts := splitN4(s)
	k.Underlying, k.Expiry, k.OptionType = parts[0], parts[1], parts[2]
	k.Strike, _ = parseDecimal(parts[3])
	return k
}

func splitN4(s string) [4]string {
	var out [4]string
	start := 0
	idx := 0
	for i := 0; i < len(s) && idx < 3; i++ {
		if s[i] == '|' {
			out[idx] = s[start:i]
			start = i + 1
			idx++
		}
	}
	out[idx] = s[start:]
	return out
}
