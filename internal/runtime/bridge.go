package runtime

import (
	"context"

	"github.com/epic1st/fno-core/datapipeline"
	"github.com/epic1st/fno-core/internal/cleanup"
	"github.com/epic1st/fno-core/internal/eventbus"
	"github.com/epic1st/fno-core/internal/position"
	"github.com/epic1st/fno-core/monitoring"
	"github.com/epic1st/fno-core/ws"
)

// runBridge subscribes to the domain event bus (bar/position/cleanup events
// in their native domain types) and is the one place that knows about both
// buses: it converts each domain event into a wire ws.Frame and republishes
// it on the WebSocket client bus, drives the cleanup worker off CLOSED/
// REDUCED position events, and records the fan-out metrics. ws.Hub.serve
// only ever forwards frameEvent-wrapped values, so nothing reaches a client
// without passing through here first.
func runBridge(ctx context.Context, domainBus, wsBus *eventbus.Hub, cleanupWorker *cleanup.Worker) error {
	handle, events, _, err := domainBus.Subscribe(nil)
	if err != nil {
		return err
	}
	defer domainBus.Unsubscribe(handle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			dispatchDomainEvent(ctx, ev, wsBus, cleanupWorker)
		}
	}
}

func dispatchDomainEvent(ctx context.Context, ev eventbus.Event, wsBus *eventbus.Hub, cleanupWorker *cleanup.Worker) {
	switch e := ev.(type) {
	case datapipeline.BarEvent:
		frameType := "BAR_UPDATE"
		if e.Kind == datapipeline.EventBarClosed {
			frameType = "BAR_CLOSED"
			monitoring.RecordBarClosed(e.Bar.Timeframe.String())
		}
		ws.Publish(wsBus, ws.Frame{
			Type:          frameType,
			InstrumentKey: e.Bar.Instrument.String(),
			Timeframe:     e.Bar.Timeframe.String(),
			Payload:       e.Bar,
		})

	case position.Event:
		monitoring.RecordPositionEvent(string(e.Kind))
		ws.Publish(wsBus, ws.Frame{
			Type:          "POSITION_EVENT",
			InstrumentKey: e.Instrument.String(),
			Payload:       e,
		})
		if cleanupWorker != nil && (e.Kind == position.Closed || e.Kind == position.Reduced) {
			cleanupWorker.Handle(ctx, e)
		}

	case cleanup.OrderEvent:
		monitoring.RecordCleanupAction(e.Action, e.Outcome)
		ws.Publish(wsBus, ws.Frame{
			Type:          "ORDER_EVENT",
			InstrumentKey: e.InstrumentKey,
			Reason:        e.Outcome,
			Payload:       e,
		})
	}
}

// runTickIngestion drains src into the aggregator, recording accept/reject
// metrics per tick — this is the one place both collaborators are visible,
// so it owns the per-tick metering rather than either package reaching for
// monitoring itself.
func runTickIngestion(ctx context.Context, src datapipeline.TickSource, agg *datapipeline.Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-src.Ticks():
			if !ok {
				return
			}
			if err := agg.Ingest(tick); err != nil {
				monitoring.RecordTickRejected(reasonFor(err))
				continue
			}
			monitoring.RecordTickIngested(tick.Instrument.Underlying)
		}
	}
}

func reasonFor(err error) string {
	switch err {
	case datapipeline.ErrRejectedStale:
		return "stale"
	case datapipeline.ErrRejectedInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// runSnapshotIngestion drains src into the position tracker. On a
// reconnect signal it reconciles every (account, instrument) key it had
// previously observed the next time that key reports, per §4.E, instead
// of diffing blindly against state that may have gone stale across the
// gap; brand-new keys (and keys already reconciled this round) observe
// as usual.
func runSnapshotIngestion(ctx context.Context, src position.SnapshotSource, tracker *position.Tracker) {
	seen := make(map[string]struct{})
	needsReconcile := make(map[string]struct{})
	snaps := src.Snapshots()
	reconnects := src.Reconnects()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				continue
			}
			for key := range seen {
				needsReconcile[key] = struct{}{}
			}
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			key := snap.AccountID + "|" + snap.Instrument.String()
			seen[key] = struct{}{}
			if _, pending := needsReconcile[key]; pending {
				delete(needsReconcile, key)
				tracker.Reconcile(snap)
				continue
			}
			tracker.Observe(snap)
		}
	}
}

// runDeadLetterSink records every bar that exhausted its persistence retry
// budget — the one failure mode the spec treats as non-tolerable, so each
// occurrence is both metered and compliance-audited.
func runDeadLetterSink(ctx context.Context, agg *datapipeline.Aggregator, audit auditLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case dead, ok := <-agg.DeadLetters():
			if !ok {
				return
			}
			monitoring.RecordBarPersistFailure(dead.Bar.Timeframe.String())
			if audit != nil {
				audit.LogBarPersistenceFailure(ctx, dead.Bar.Instrument.String(), dead.Bar.Timeframe.String(), dead.Bar.BucketStart, dead.Err.Error())
			}
		}
	}
}

// auditLogger is the narrow slice of logging.AuditLogger this package
// depends on, so a nil *logging.AuditLogger can still satisfy it via a
// nil-interface guard at the call site in runtime.go.
type auditLogger interface {
	LogBarPersistenceFailure(ctx context.Context, instrumentKey, timeframe string, bucketStart int64, detail string)
}
