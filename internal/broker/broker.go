// Package broker is the outbound contract the cleanup worker uses to
// cancel or resize orders at the upstream broker — scoped to exactly the
// two operations cleanup needs, grounded on the request/response shape of
// lpmanager/adapters/oanda.go's adapter interface and oms/service.go's
// PlaceOrder result, with order placement and LP registration left out.
package broker

import (
	"context"
	"fmt"

	"github.com/epic1st/fno-core/internal/breaker"
)

// Result is the broker's acknowledgement for a cancel/modify call.
type Result struct {
	BrokerOrderID string
	Accepted      bool
	Message       string
}

// Adapter is the raw upstream call contract, implemented by whatever
// broker connector is wired in at runtime.
type Adapter interface {
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) (Result, error)
	ModifyOrder(ctx context.Context, accountID, brokerOrderID string, newQuantity int64) (Result, error)
}

// Client wraps an Adapter with circuit-breaker protection; cancels are
// routed through the "broker.cancel_order" breaker and modifies through
// the "broker.modify_order" breaker before they reach the adapter.
type Client struct {
	adapter Adapter
	cb      *breaker.Manager
}

// New builds a breaker-protected broker client.
func New(adapter Adapter, cb *breaker.Manager) *Client {
	return &Client{adapter: adapter, cb: cb}
}

// CancelOrder cancels an order at the broker, failing fast with
// breaker.ErrOpen if the breaker is tripped.
func (c *Client) CancelOrder(ctx context.Context, accountID, brokerOrderID string) (Result, error) {
	var result Result
	err := c.cb.Call("broker.cancel_order", func() error {
		var callErr error
		result, callErr = c.adapter.CancelOrder(ctx, accountID, brokerOrderID)
		if callErr == nil && !result.Accepted {
			callErr = fmt.Errorf("broker rejected cancel: %s", result.Message)
		}
		return callErr
	})
	return result, err
}

// ModifyOrder resizes an order at the broker, failing fast with
// breaker.ErrOpen if the breaker is tripped.
func (c *Client) ModifyOrder(ctx context.Context, accountID, brokerOrderID string, newQuantity int64) (Result, error) {
	var result Result
	err := c.cb.Call("broker.modify_order", func() error {
		var callErr error
		result, callErr = c.adapter.ModifyOrder(ctx, accountID, brokerOrderID, newQuantity)
		if callErr == nil && !result.Accepted {
			callErr = fmt.Errorf("broker rejected modify: %s", result.Message)
		}
		return callErr
	})
	return result, err
}
