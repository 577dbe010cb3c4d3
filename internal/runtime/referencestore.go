package runtime

import (
	"context"

	"github.com/epic1st/fno-core/internal/cleanup"
	"github.com/epic1st/fno-core/internal/persistence"
)

// persistenceReferenceStore adapts persistence.Adapter's ProtectiveOrders
// query (which returns the storage-layer row type) onto cleanup.ReferenceStore
// (which only knows about the order-reference shape it needs) — the same
// narrow-interface-at-the-consumer idiom the rest of this package follows for
// every collaborator it wires.
type persistenceReferenceStore struct {
	adapter *persistence.Adapter
}

func newPersistenceReferenceStore(adapter *persistence.Adapter) *persistenceReferenceStore {
	return &persistenceReferenceStore{adapter: adapter}
}

func (s *persistenceReferenceStore) ProtectiveOrders(ctx context.Context, accountID, instrumentKey string) ([]cleanup.OrderReference, error) {
	rows, err := s.adapter.ProtectiveOrders(ctx, accountID, instrumentKey)
	if err != nil {
		return nil, err
	}
	out := make([]cleanup.OrderReference, len(rows))
	for i, row := range rows {
		out[i] = cleanup.OrderReference{BrokerOrderID: row.BrokerOrderID, Quantity: row.Quantity}
	}
	return out, nil
}
