package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperfront/hyperfront/trailing"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	store, err := New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func somePrice(v float64) *float64 {
	return &v
}

func TestSaveAndLoadTrailingOrders(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	orders := []trailing.Order{
		{
			ID:           "aabbccddee",
			Coin:         "BTC",
			Side:         trailing.SideSell,
			Size:         "0.5",
			TrailType:    trailing.TrailPercent,
			TrailValue:   "5",
			ReduceOnly:   true,
			Status:       trailing.StatusActive,
			HighestPrice: somePrice(50500),
			CreatedAt:    1700000000000,
		},
		{
			ID:         "ffeeddccbb",
			Coin:       "ETH",
			Side:       trailing.SideBuy,
			Size:       "2",
			TrailType:  trailing.TrailPrice,
			TrailValue: "50",
			Status:     trailing.StatusFailed,
		},
	}

	require.NoError(t, store.SaveTrailingOrders(ctx, "0xwallet", orders))

	loaded, found, err := store.LoadTrailingOrders(ctx, "0xwallet")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, orders, loaded)
}

func TestLoadTrailingOrdersMissingNamespace(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	loaded, found, err := store.LoadTrailingOrders(context.Background(), "0xnobody")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, loaded)
}

func TestSaveTrailingOrdersReplaces(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first := []trailing.Order{{ID: "one", Coin: "BTC", Status: trailing.StatusActive}}
	require.NoError(t, store.SaveTrailingOrders(ctx, "0xwallet", first))

	second := []trailing.Order{{ID: "two", Coin: "ETH", Status: trailing.StatusActive}}
	require.NoError(t, store.SaveTrailingOrders(ctx, "0xwallet", second))

	loaded, found, err := store.LoadTrailingOrders(ctx, "0xwallet")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, loaded, 1)
	require.Equal(t, "two", loaded[0].ID)
}

func TestTrailingOrdersNamespaceIsolation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrailingOrders(ctx, "0xalpha", []trailing.Order{{ID: "a"}}))
	require.NoError(t, store.SaveTrailingOrders(ctx, "0xbeta", []trailing.Order{{ID: "b"}}))

	alpha, _, err := store.LoadTrailingOrders(ctx, "0xalpha")
	require.NoError(t, err)
	require.Equal(t, "a", alpha[0].ID)

	beta, _, err := store.LoadTrailingOrders(ctx, "0xbeta")
	require.NoError(t, err)
	require.Equal(t, "b", beta[0].ID)
}

func TestSaveEmptySetIsLoadableAsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrailingOrders(ctx, "0xwallet", nil))

	loaded, found, err := store.LoadTrailingOrders(ctx, "0xwallet")
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, loaded)
}

func TestRecordAndListExchangeActions(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.RecordExchangeAction(ctx, "cloid-1", "trailing-market", "ok", map[string]any{"status": "ok"})
	require.NoError(t, err)
	id2, err := store.RecordExchangeAction(ctx, "cloid-1", "trailing-market", "error: rejected", nil)
	require.NoError(t, err)
	_, err = store.RecordExchangeAction(ctx, "cloid-2", "cancel", "ok", nil)
	require.NoError(t, err)
	require.Less(t, id1, id2)

	records, err := store.ListExchangeActions(ctx, "cloid-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "ok", records[0].Status)
	require.Equal(t, "error: rejected", records[1].Status)

	all, err := store.ListExchangeActions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestTrailingStoreBindsNamespace(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	bound := NewTrailingStore(store, "0xwallet")
	require.NoError(t, bound.SaveOrders(ctx, []trailing.Order{{ID: "x", Coin: "BTC"}}))

	// a fresh namespace sees nothing
	empty, err := NewTrailingStore(store, "0xother").LoadOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, empty)

	loaded, err := bound.LoadOrders(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "x", loaded[0].ID)
}
