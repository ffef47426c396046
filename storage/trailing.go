package storage

import (
	"context"

	"github.com/hyperfront/hyperfront/trailing"
)

// TrailingStore binds a Storage to one namespace, typically the trading
// user's address, satisfying the engine's persistence interface.
type TrailingStore struct {
	store     *Storage
	namespace string
}

func NewTrailingStore(store *Storage, namespace string) *TrailingStore {
	return &TrailingStore{store: store, namespace: namespace}
}

func (t *TrailingStore) SaveOrders(ctx context.Context, orders []trailing.Order) error {
	return t.store.SaveTrailingOrders(ctx, t.namespace, orders)
}

func (t *TrailingStore) LoadOrders(ctx context.Context) ([]trailing.Order, error) {
	orders, _, err := t.store.LoadTrailingOrders(ctx, t.namespace)
	return orders, err
}
