package position

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/govalues/decimal"
	"github.com/gorilla/websocket"

	"github.com/epic1st/fno-core/datapipeline"
)

// wireSnapshot is the JSON shape the broker's position stream sends, one
// object per message.
type wireSnapshot struct {
	AccountID         string `json:"account_id"`
	Underlying        string `json:"underlying"`
	Expiry            string `json:"expiry,omitempty"`
	OptionType        string `json:"option_type,omitempty"`
	Strike            string `json:"strike,omitempty"`
	NetQuantity       int64  `json:"net_quantity"`
	AverageEntryPrice string `json:"average_entry_price"`
	RealizedPnL       string `json:"realized_pnl"`
	SourceSequence    int64  `json:"source_sequence"`
}

// WSSnapshotSource is a SnapshotSource backed by a reconnecting WebSocket
// client, in the same reconnect-with-backoff shape as
// datapipeline.WSTickSource — the broker position stream and the ticker
// feed are two instances of the same external-adapter pattern (§6).
type WSSnapshotSource struct {
	url         string
	snaps       chan Snapshot
	reconnects  chan struct{}
	minBackoff  time.Duration
	maxBackoff  time.Duration
	dialTimeout time.Duration
}

// NewWSSnapshotSource builds a snapshot source that dials url on Run.
func NewWSSnapshotSource(url string, bufferSize int) *WSSnapshotSource {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &WSSnapshotSource{
		url:         url,
		snaps:       make(chan Snapshot, bufferSize),
		reconnects:  make(chan struct{}, 1),
		minBackoff:  time.Second,
		maxBackoff:  30 * time.Second,
		dialTimeout: 10 * time.Second,
	}
}

// Snapshots returns the channel snapshots are delivered on.
func (s *WSSnapshotSource) Snapshots() <-chan Snapshot { return s.snaps }

// Reconnects fires once per successful (re)dial, including the first.
// The channel is buffered by 1 and sends are non-blocking, so a burst of
// reconnects collapses to a single pending signal rather than backing up.
func (s *WSSnapshotSource) Reconnects() <-chan struct{} { return s.reconnects }

// Run dials the upstream feed and reconnects with exponential backoff
// until ctx is cancelled.
func (s *WSSnapshotSource) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.runOnce(ctx); err != nil {
			log.Printf("[position] snapshot stream disconnected: %v, retrying in %s", err, backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *WSSnapshotSource) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	select {
	case s.reconnects <- struct{}{}:
	default:
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ws wireSnapshot
		if err := json.Unmarshal(message, &ws); err != nil {
			log.Printf("[position] malformed snapshot message, dropping: %v", err)
			continue
		}

		snap, err := toSnapshot(ws)
		if err != nil {
			log.Printf("[position] snapshot conversion failed, dropping: %v", err)
			continue
		}

		select {
		case s.snaps <- snap:
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Printf("[position] buffer full, dropping snapshot for account %s", ws.AccountID)
		}
	}
}

func toSnapshot(ws wireSnapshot) (Snapshot, error) {
	var (
		avgEntry decimal.Decimal
		pnl      decimal.Decimal
		err      error
	)
	if ws.AverageEntryPrice != "" {
		avgEntry, err = decimal.Parse(ws.AverageEntryPrice)
		if err != nil {
			return Snapshot{}, err
		}
	}
	if ws.RealizedPnL != "" {
		pnl, err = decimal.Parse(ws.RealizedPnL)
		if err != nil {
			return Snapshot{}, err
		}
	}

	var strike decimal.Decimal
	if ws.Strike != "" {
		strike, _ = decimal.Parse(ws.Strike)
	}

	return Snapshot{
		AccountID: ws.AccountID,
		Instrument: datapipeline.InstrumentKey{
			Underlying: ws.Underlying,
			Expiry:     ws.Expiry,
			OptionType: ws.OptionType,
			Strike:     strike,
		},
		NetQuantity:       ws.NetQuantity,
		AverageEntryPrice: avgEntry,
		RealizedPnL:       pnl,
		SourceSequence:    ws.SourceSequence,
	}, nil
}
