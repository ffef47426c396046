package trailing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	orders []Order
	saves  int
	err    error
}

func (m *memStore) SaveOrders(ctx context.Context, orders []Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.orders = append([]Order(nil), orders...)
	m.saves++
	return nil
}

func (m *memStore) LoadOrders(ctx context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Order(nil), m.orders...), nil
}

func (m *memStore) saved() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Order(nil), m.orders...)
}

type submitCall struct {
	Coin       string
	IsBuy      bool
	Size       string
	RefPrice   float64
	ReduceOnly bool
}

type stubSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	errs  []error
}

func (s *stubSubmitter) SubmitMarket(ctx context.Context, coin string, isBuy bool, size string, refPrice float64, reduceOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, submitCall{Coin: coin, IsBuy: isBuy, Size: size, RefPrice: refPrice, ReduceOnly: reduceOnly})
	if idx < len(s.errs) {
		return s.errs[idx]
	}
	return nil
}

func (s *stubSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestEngine(t *testing.T, store *memStore, submitter *stubSubmitter) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), store, submitter)
	require.NoError(t, err)
	return engine
}

func addSellStop(t *testing.T, e *Engine) Order {
	t.Helper()
	order, err := e.AddOrder(context.Background(), AddOrderParams{
		Coin:       "BTC",
		Side:       SideSell,
		Size:       "0.5",
		TrailType:  TrailPercent,
		TrailValue: "5",
		ReduceOnly: true,
	})
	require.NoError(t, err)
	return order
}

func waitForStatus(t *testing.T, e *Engine, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if order, ok := e.Get(id); ok && order.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	order, _ := e.Get(id)
	t.Fatalf("order %s never reached %s, status is %s", id, want, order.Status)
}

func TestAddOrderValidation(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &memStore{}, &stubSubmitter{})
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		params AddOrderParams
	}{
		{name: "missing coin", params: AddOrderParams{Side: SideSell, Size: "1", TrailType: TrailPercent, TrailValue: "5"}},
		{name: "bad side", params: AddOrderParams{Coin: "BTC", Side: "hold", Size: "1", TrailType: TrailPercent, TrailValue: "5"}},
		{name: "zero trail", params: AddOrderParams{Coin: "BTC", Side: SideSell, Size: "1", TrailType: TrailPercent, TrailValue: "0"}},
		{name: "percent too large", params: AddOrderParams{Coin: "BTC", Side: SideSell, Size: "1", TrailType: TrailPercent, TrailValue: "100"}},
		{name: "bad size", params: AddOrderParams{Coin: "BTC", Side: SideSell, Size: "-1", TrailType: TrailPercent, TrailValue: "5"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.AddOrder(ctx, tc.params)
			require.Error(t, err)
		})
	}
}

func TestNewOrderStartsWithoutWatermarks(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	engine := newTestEngine(t, store, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, engine)
	require.Nil(t, order.HighestPrice)
	require.Nil(t, order.LowestPrice)
	require.Nil(t, order.TriggerPrice)

	// the first observation establishes the watermark; it can never trigger
	// off a price the feed did not deliver
	results, err := engine.Track(ctx, "BTC", 100)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Triggered)
	require.Equal(t, 100.0, results[0].Watermark)
	require.Equal(t, 95.0, results[0].TriggerPrice)

	got, _ := engine.Get(order.ID)
	require.Equal(t, 100.0, *got.HighestPrice)
	require.Equal(t, 95.0, *got.TriggerPrice)
}

func TestSellStopTriggersAfterRetrace(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	engine := newTestEngine(t, store, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, engine)

	// trail is 5%: the peak of 105 puts the trigger at 99.75
	for _, tick := range []struct {
		price     float64
		watermark float64
		trigger   float64
		triggered bool
	}{
		{price: 100, watermark: 100, trigger: 95, triggered: false},
		{price: 105, watermark: 105, trigger: 99.75, triggered: false},
		{price: 102, watermark: 105, trigger: 99.75, triggered: false},
		{price: 98, watermark: 105, trigger: 99.75, triggered: true},
	} {
		results, err := engine.Track(ctx, "BTC", tick.price)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, tick.watermark, results[0].Watermark, "price %v", tick.price)
		require.InDelta(t, tick.trigger, results[0].TriggerPrice, 1e-9, "price %v", tick.price)
		require.Equal(t, tick.triggered, results[0].Triggered, "price %v", tick.price)

		if tick.triggered {
			break
		}
	}

	// the order carries the threshold from the peak, not the tick that
	// crossed it
	got, ok := engine.Get(order.ID)
	require.True(t, ok)
	require.Equal(t, StatusTriggered, got.Status)
	require.NotNil(t, got.TriggerPrice)
	require.InDelta(t, 99.75, *got.TriggerPrice, 1e-9)

	// the trigger decision is already persisted
	saved := store.saved()
	require.Len(t, saved, 1)
	require.Equal(t, StatusTriggered, saved[0].Status)
	require.InDelta(t, 99.75, *saved[0].TriggerPrice, 1e-9)
}

func TestThresholdPersistedWhileActive(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	engine := newTestEngine(t, store, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, engine)
	for _, price := range []float64{100, 105, 102} {
		_, err := engine.Track(ctx, "BTC", price)
		require.NoError(t, err)
	}

	// the store sees watermark and threshold together on every update, so a
	// restart resumes with both
	saved := store.saved()
	require.Len(t, saved, 1)
	require.Equal(t, order.ID, saved[0].ID)
	require.Equal(t, StatusActive, saved[0].Status)
	require.Equal(t, 105.0, *saved[0].HighestPrice)
	require.NotNil(t, saved[0].TriggerPrice)
	require.InDelta(t, 99.75, *saved[0].TriggerPrice, 1e-9)
}

func TestBuyStopTracksTrough(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &memStore{}, &stubSubmitter{})
	ctx := context.Background()

	order, err := engine.AddOrder(ctx, AddOrderParams{
		Coin:       "ETH",
		Side:       SideBuy,
		Size:       "2",
		TrailType:  TrailPrice,
		TrailValue: "50",
	})
	require.NoError(t, err)

	// trough ratchets down to 1900, trigger sits at 1950
	for _, price := range []float64{2000, 1950, 1900, 1940} {
		results, err := engine.Track(ctx, "ETH", price)
		require.NoError(t, err)
		require.False(t, results[0].Triggered, "price %v", price)
		require.LessOrEqual(t, results[0].Watermark, 2000.0)
	}

	results, err := engine.Track(ctx, "ETH", 1951)
	require.NoError(t, err)
	require.True(t, results[0].Triggered)
	require.Equal(t, 1950.0, results[0].TriggerPrice)

	got, _ := engine.Get(order.ID)
	require.Equal(t, StatusTriggered, got.Status)
	require.NotNil(t, got.LowestPrice)
	require.Equal(t, 1900.0, *got.LowestPrice)
	require.Equal(t, 1950.0, *got.TriggerPrice)
}

func TestWatermarkNeverRetreats(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &memStore{}, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, engine)

	peak := 0.0
	for _, price := range []float64{101, 104, 102, 103, 100.5} {
		if price > peak {
			peak = price
		}
		results, err := engine.Track(ctx, "BTC", price)
		require.NoError(t, err)
		require.Equal(t, peak, results[0].Watermark)
	}

	got, _ := engine.Get(order.ID)
	require.Equal(t, 104.0, *got.HighestPrice)
}

func TestTriggeredOrderLeavesActiveExactlyOnce(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &memStore{}, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, engine)

	_, err := engine.Track(ctx, "BTC", 100)
	require.NoError(t, err)

	results, err := engine.Track(ctx, "BTC", 90)
	require.NoError(t, err)
	require.True(t, results[0].Triggered)

	// a further observation must not touch the order again
	results, err = engine.Track(ctx, "BTC", 80)
	require.NoError(t, err)
	require.Empty(t, results)

	got, _ := engine.Get(order.ID)
	require.Equal(t, 95.0, *got.TriggerPrice)
}

func TestCancelAndRemoveLifecycle(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &memStore{}, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, engine)

	// active orders cannot be removed
	require.ErrorIs(t, engine.RemoveOrder(ctx, order.ID), ErrStillActive)

	require.NoError(t, engine.CancelOrder(ctx, order.ID))
	require.ErrorIs(t, engine.CancelOrder(ctx, order.ID), ErrNotActive)

	// cancelled orders no longer track
	results, err := engine.Track(ctx, "BTC", 50)
	require.NoError(t, err)
	require.Empty(t, results)

	require.NoError(t, engine.RemoveOrder(ctx, order.ID))
	require.ErrorIs(t, engine.RemoveOrder(ctx, order.ID), ErrOrderNotFound)
}

func TestSubmissionSuccessKeepsTriggered(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	submitter := &stubSubmitter{}
	engine := newTestEngine(t, store, submitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	order := addSellStop(t, engine)
	_, err := engine.Track(ctx, "BTC", 100)
	require.NoError(t, err)
	_, err = engine.Track(ctx, "BTC", 90)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && submitter.callCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, submitter.callCount())

	// the market order references the trigger threshold, not the crossing tick
	submitter.mu.Lock()
	call := submitter.calls[0]
	submitter.mu.Unlock()
	require.Equal(t, "BTC", call.Coin)
	require.False(t, call.IsBuy)
	require.Equal(t, "0.5", call.Size)
	require.Equal(t, 95.0, call.RefPrice)
	require.True(t, call.ReduceOnly)

	got, _ := engine.Get(order.ID)
	require.Equal(t, StatusTriggered, got.Status)
}

func TestPermanentSubmissionErrorMarksFailed(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	submitter := &stubSubmitter{errs: []error{
		&PermanentError{Err: fmt.Errorf("Insufficient margin to place order.")},
	}}
	engine := newTestEngine(t, store, submitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	order := addSellStop(t, engine)
	_, err := engine.Track(ctx, "BTC", 100)
	require.NoError(t, err)
	_, err = engine.Track(ctx, "BTC", 90)
	require.NoError(t, err)

	waitForStatus(t, engine, order.ID, StatusFailed)
	require.Equal(t, 1, submitter.callCount())

	// failed is terminal; the order never goes back to active
	saved := store.saved()
	require.Equal(t, StatusFailed, saved[0].Status)
}

func TestTransientSubmissionErrorRetries(t *testing.T) {
	t.Parallel()

	submitter := &stubSubmitter{errs: []error{
		fmt.Errorf("connection reset"),
		fmt.Errorf("connection reset"),
		nil,
	}}
	engine := newTestEngine(t, &memStore{}, submitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	order := addSellStop(t, engine)
	_, err := engine.Track(ctx, "BTC", 100)
	require.NoError(t, err)
	_, err = engine.Track(ctx, "BTC", 90)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && submitter.callCount() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 3, submitter.callCount())

	got, _ := engine.Get(order.ID)
	require.Equal(t, StatusTriggered, got.Status)
}

func TestTransientErrorsExhaustToFailed(t *testing.T) {
	t.Parallel()

	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, fmt.Errorf("connection reset"))
	}
	submitter := &stubSubmitter{errs: errs}
	engine := newTestEngine(t, &memStore{}, submitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	order := addSellStop(t, engine)
	_, err := engine.Track(ctx, "BTC", 100)
	require.NoError(t, err)
	_, err = engine.Track(ctx, "BTC", 90)
	require.NoError(t, err)

	waitForStatus(t, engine, order.ID, StatusFailed)
}

func TestEngineReloadsPersistedOrders(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	first := newTestEngine(t, store, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, first)
	_, err := first.Track(ctx, "BTC", 103)
	require.NoError(t, err)

	// a fresh engine resumes from the persisted watermark and threshold
	second := newTestEngine(t, store, &stubSubmitter{})
	got, ok := second.Get(order.ID)
	require.True(t, ok)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, 103.0, *got.HighestPrice)
	require.InDelta(t, 97.85, *got.TriggerPrice, 1e-9)
}

func TestTriggeredOrderResubmittedAfterRestart(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	first := newTestEngine(t, store, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, first)
	_, err := first.Track(ctx, "BTC", 100)
	require.NoError(t, err)
	_, err = first.Track(ctx, "BTC", 90)
	require.NoError(t, err)

	// restart with the submission still pending
	submitter := &stubSubmitter{}
	second := newTestEngine(t, store, submitter)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go second.Run(runCtx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && submitter.callCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, submitter.callCount())

	got, _ := second.Get(order.ID)
	require.Equal(t, StatusTriggered, got.Status)
}

func TestHandleMidsTouchesOnlyActiveCoins(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &memStore{}, &stubSubmitter{})
	ctx := context.Background()

	order := addSellStop(t, engine)

	engine.HandleMids(ctx, map[string]string{
		"BTC": "104",
		"ETH": "2000",
		"SOL": "not-a-number",
	})

	got, _ := engine.Get(order.ID)
	require.Equal(t, 104.0, *got.HighestPrice)
	require.Equal(t, []string{"BTC"}, engine.ActiveCoins())
}

func TestPersistFailureSurfacesOnAdd(t *testing.T) {
	t.Parallel()

	store := &memStore{err: fmt.Errorf("disk full")}
	engine := newTestEngine(t, store, &stubSubmitter{})

	_, err := engine.AddOrder(context.Background(), AddOrderParams{
		Coin: "BTC", Side: SideSell, Size: "1",
		TrailType: TrailPercent, TrailValue: "5",
	})
	require.Error(t, err)
}
