// Package cleanup reacts to CLOSED/REDUCED position events by cancelling
// or resizing the protective orders left behind, guarded by a distributed
// lock so only one node acts per account — grounded on
// lpmanager/manager.go's manager-with-registry shape and the
// circuit-breaker-protected outbound call idiom used throughout the
// teacher's lpmanager adapters.
package cleanup

import (
	"context"
	"time"

	"github.com/epic1st/fno-core/internal/broker"
	"github.com/epic1st/fno-core/internal/eventbus"
	"github.com/epic1st/fno-core/internal/lock"
	"github.com/epic1st/fno-core/internal/persistence"
	"github.com/epic1st/fno-core/internal/position"
	"github.com/epic1st/fno-core/logging"
)

// OrderEvent is broadcast to bus after each protective-order cancel/modify
// attempt, for ORDER_EVENT fan-out to WebSocket clients (§6).
type OrderEvent struct {
	AccountID     string
	InstrumentKey string
	BrokerOrderID string
	Action        string
	Outcome       string
	Detail        string
}

// OnReducePolicy governs how a REDUCED event is handled per §6.
type OnReducePolicy string

const (
	CancelAll           OnReducePolicy = "cancel_all"
	ModifyToNewQuantity OnReducePolicy = "modify_to_new_quantity"
)

const (
	lockAcquireTimeout = 100 * time.Millisecond
	lockLease          = 30 * time.Second
	maxBrokerRetries   = 3
)

// OrderReference is one protective order linked to a position, as
// returned by the order-reference store's batched lookup.
type OrderReference struct {
	BrokerOrderID string
	Quantity      int64
}

// ReferenceStore resolves the protective orders for a position in one
// batched call — never N+1 per order.
type ReferenceStore interface {
	ProtectiveOrders(ctx context.Context, accountID, instrumentKey string) ([]OrderReference, error)
}

// Worker consumes position.Event values and runs the cleanup algorithm.
type Worker struct {
	locker   *lock.Locker
	refs     ReferenceStore
	brokerCl *broker.Client
	store    *persistence.Adapter
	policy   OnReducePolicy
	audit    *logging.AuditLogger
	bus      *eventbus.Hub
}

// New builds a cleanup Worker. policy must be one of CancelAll or
// ModifyToNewQuantity — there is no hidden default, an empty policy is a
// configuration error the caller must catch at startup. audit and bus may
// be nil.
func New(locker *lock.Locker, refs ReferenceStore, brokerCl *broker.Client, store *persistence.Adapter, policy OnReducePolicy, audit *logging.AuditLogger, bus *eventbus.Hub) *Worker {
	return &Worker{locker: locker, refs: refs, brokerCl: brokerCl, store: store, policy: policy, audit: audit, bus: bus}
}

// Handle processes one position event. Events other than CLOSED/REDUCED
// are ignored.
func (w *Worker) Handle(ctx context.Context, ev position.Event) {
	if ev.Kind != position.Closed && ev.Kind != position.Reduced {
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	held, err := w.locker.Acquire(acquireCtx, "cleanup:"+ev.AccountID)
	cancel()
	if err != nil {
		logging.Warn("cleanup: lock unavailable, skipping (another node owns this work item)",
			logging.AccountID(ev.AccountID), logging.Component("cleanup"))
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout*10)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			logging.Warn("cleanup: lock release failed", logging.AccountID(ev.AccountID), logging.Component("cleanup"))
		}
	}()

	instrumentKey := ev.Instrument.String()
	orders, err := w.refs.ProtectiveOrders(ctx, ev.AccountID, instrumentKey)
	if err != nil {
		logging.Error("cleanup: protective order lookup failed", err,
			logging.AccountID(ev.AccountID), logging.Symbol(instrumentKey), logging.Component("cleanup"))
		return
	}

	for _, order := range orders {
		w.actOnOrder(ctx, ev, instrumentKey, order)
	}
}

func (w *Worker) actOnOrder(ctx context.Context, ev position.Event, instrumentKey string, order OrderReference) {
	action := "CANCEL"
	var callErr error

	switch {
	case ev.Kind == position.Closed:
		callErr = w.withRetry(func() error {
			_, err := w.brokerCl.CancelOrder(ctx, ev.AccountID, order.BrokerOrderID)
			return err
		})
	case w.policy == ModifyToNewQuantity:
		action = "MODIFY"
		callErr = w.withRetry(func() error {
			_, err := w.brokerCl.ModifyOrder(ctx, ev.AccountID, order.BrokerOrderID, ev.NewQty)
			return err
		})
	default:
		callErr = w.withRetry(func() error {
			_, err := w.brokerCl.CancelOrder(ctx, ev.AccountID, order.BrokerOrderID)
			return err
		})
	}

	outcome := "SUCCESS"
	detail := ""
	if callErr != nil {
		outcome = "FAILURE"
		detail = callErr.Error()
		logging.Error("cleanup: protective order action failed", callErr,
			logging.AccountID(ev.AccountID), logging.OrderID(order.BrokerOrderID),
			logging.Symbol(instrumentKey), logging.String("action", action), logging.Component("cleanup"))
		logging.TrackError(ctx, callErr, "high", map[string]interface{}{
			"account_id": ev.AccountID, "broker_order_id": order.BrokerOrderID, "action": action,
		})
	}

	row := persistence.CleanupLogRow{
		AccountID:     ev.AccountID,
		InstrumentKey: instrumentKey,
		BrokerOrderID: order.BrokerOrderID,
		Action:        action,
		Outcome:       outcome,
		Detail:        detail,
		ObservedAt:    time.Now(),
	}
	if err := w.store.RecordCleanup(ctx, row); err != nil {
		logging.Error("cleanup: failed to record cleanup log row", err,
			logging.AccountID(ev.AccountID), logging.OrderID(order.BrokerOrderID), logging.Component("cleanup"))
	}
	if w.audit != nil {
		w.audit.LogCleanupAction(ctx, ev.AccountID, instrumentKey, order.BrokerOrderID, action, outcome, detail)
	}
	if w.bus != nil {
		w.bus.Broadcast(OrderEvent{
			AccountID:     ev.AccountID,
			InstrumentKey: instrumentKey,
			BrokerOrderID: order.BrokerOrderID,
			Action:        action,
			Outcome:       outcome,
			Detail:        detail,
		})
	}
}

func (w *Worker) withRetry(fn func() error) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 1; attempt <= maxBrokerRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < maxBrokerRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
