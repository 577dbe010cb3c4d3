package datapipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/govalues/decimal"
)

// Tick is one immutable print from the upstream F&O feed.
type Tick struct {
	Instrument        InstrumentKey
	TimestampMillis   int64
	LastTradedPrice   decimal.Decimal
	LastTradedQty     int64
	CumulativeVolume  int64
	OpenInterest      int64
}

var (
	// ErrRejectedStale is returned by Ingest when the tick is older than
	// any open bar's bucket_start minus the 2-second grace window.
	ErrRejectedStale = errors.New("datapipeline: tick rejected, stale")
	// ErrRejectedInvalid is returned by Ingest when a tick violates its
	// own field invariants (non-positive price, negative quantity).
	ErrRejectedInvalid = errors.New("datapipeline: tick rejected, invalid")
)

func validateTick(t Tick) error {
	if !t.LastTradedPrice.IsPos() {
		return fmt.Errorf("%w: non-positive last_traded_price", ErrRejectedInvalid)
	}
	if t.LastTradedQty < 0 {
		return fmt.Errorf("%w: negative last_traded_quantity", ErrRejectedInvalid)
	}
	if t.CumulativeVolume < 0 {
		return fmt.Errorf("%w: negative cumulative_volume", ErrRejectedInvalid)
	}
	if t.OpenInterest < 0 {
		return fmt.Errorf("%w: negative open_interest", ErrRejectedInvalid)
	}
	return nil
}

// TickSource is the upstream tick feed contract. The aggregator consumes
// one; WSTickSource is the reconnecting WebSocket implementation.
type TickSource interface {
	Ticks() <-chan Tick
	Run(ctx context.Context) error
}
