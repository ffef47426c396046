package trailing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/hyperfront/hyperfront/cloid"
)

// Store persists the full order set. The engine writes through on every
// mutation so a restart resumes from the last observation.
type Store interface {
	SaveOrders(ctx context.Context, orders []Order) error
	LoadOrders(ctx context.Context) ([]Order, error)
}

// Submitter places the market order for a triggered stop. Implementations
// wrap permanent failures (venue rejections, a wallet refusing to sign) in
// *PermanentError; anything else is treated as transient and retried.
type Submitter interface {
	SubmitMarket(ctx context.Context, coin string, isBuy bool, size string, refPrice float64, reduceOnly bool) error
}

// PermanentError marks a submission failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

var (
	ErrOrderNotFound = errors.New("trailing order not found")
	ErrNotActive     = errors.New("trailing order is not active")
	ErrStillActive   = errors.New("trailing order is still active")
)

const maxSubmitRetries = 3

// Engine tracks client-resident trailing stops against a live price feed.
// Trigger decisions happen inline with the price observation; the resulting
// market order submission is handed to a rate-limited queue so a slow or
// flaky venue never blocks tracking.
type Engine struct {
	mu     sync.Mutex
	orders map[string]*Order

	store     Store
	submitter Submitter
	queue     workqueue.TypedRateLimitingInterface[string]
	logger    *slog.Logger
}

type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine builds an engine and loads the persisted order set. Previously
// triggered orders whose submission never completed are re-enqueued.
func NewEngine(ctx context.Context, store Store, submitter Submitter, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		orders:    make(map[string]*Order),
		store:     store,
		submitter: submitter,
		queue: workqueue.NewTypedRateLimitingQueue(
			workqueue.DefaultTypedControllerRateLimiter[string](),
		),
		logger: slog.Default().WithGroup("trailing"),
	}
	for _, opt := range opts {
		opt(e)
	}

	orders, err := store.LoadOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not load trailing orders: %w", err)
	}
	for i := range orders {
		order := orders[i]
		e.orders[order.ID] = &order
		if order.Status == StatusTriggered {
			// triggered before shutdown, submission outcome unknown
			e.queue.Add(order.ID)
		}
	}

	e.logger.Info("loaded trailing orders", slog.Int("count", len(orders)))
	return e, nil
}

// AddOrderParams describes a new stop. Watermarks start unset; the first
// tracked price establishes them, so the trail measures only prices the feed
// actually delivered.
type AddOrderParams struct {
	Coin       string
	Side       Side
	Size       string
	TrailType  TrailType
	TrailValue string
	ReduceOnly bool
}

func (p AddOrderParams) validate() error {
	if p.Coin == "" {
		return fmt.Errorf("coin is required")
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("invalid side %q", p.Side)
	}
	if p.TrailType != TrailPercent && p.TrailType != TrailPrice {
		return fmt.Errorf("invalid trail type %q", p.TrailType)
	}
	value, err := strconv.ParseFloat(p.TrailValue, 64)
	if err != nil || value <= 0 {
		return fmt.Errorf("invalid trail value %q", p.TrailValue)
	}
	if p.TrailType == TrailPercent && value >= 100 {
		return fmt.Errorf("trail percent must be below 100, got %q", p.TrailValue)
	}
	size, err := strconv.ParseFloat(p.Size, 64)
	if err != nil || size <= 0 {
		return fmt.Errorf("invalid size %q", p.Size)
	}
	return nil
}

// AddOrder registers and persists a new active stop.
func (e *Engine) AddOrder(ctx context.Context, params AddOrderParams) (Order, error) {
	if err := params.validate(); err != nil {
		return Order{}, err
	}

	order := Order{
		ID:         cloid.New().Hex(),
		Coin:       params.Coin,
		Side:       params.Side,
		Size:       params.Size,
		TrailType:  params.TrailType,
		TrailValue: params.TrailValue,
		ReduceOnly: params.ReduceOnly,
		Status:     StatusActive,
		CreatedAt:  time.Now().UnixMilli(),
	}

	e.mu.Lock()
	e.orders[order.ID] = &order
	err := e.persistLocked(ctx)
	if err != nil {
		delete(e.orders, order.ID)
	}
	e.mu.Unlock()
	if err != nil {
		return Order{}, err
	}

	e.logger.Info("added trailing order",
		slog.String("id", order.ID),
		slog.String("coin", order.Coin),
		slog.String("side", string(order.Side)),
		slog.String("trail", string(order.TrailType)+" "+order.TrailValue))
	return order, nil
}

// CancelOrder moves an active stop to cancelled. Terminal orders cannot be
// cancelled.
func (e *Engine) CancelOrder(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status != StatusActive {
		return fmt.Errorf("%w: status is %s", ErrNotActive, order.Status)
	}
	order.Status = StatusCancelled
	return e.persistLocked(ctx)
}

// RemoveOrder drops a terminal stop from the set. Active orders must be
// cancelled first.
func (e *Engine) RemoveOrder(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if !order.Status.Terminal() {
		return ErrStillActive
	}
	delete(e.orders, id)
	return e.persistLocked(ctx)
}

// Get returns a copy of the order.
func (e *Engine) Get(id string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[id]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// List returns a copy of every order, active and terminal.
func (e *Engine) List() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.orders))
	for _, order := range e.orders {
		out = append(out, *order)
	}
	return out
}

// ActiveCoins returns the coins with at least one active stop, the set a
// caller needs live prices for.
func (e *Engine) ActiveCoins() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool)
	var coins []string
	for _, order := range e.orders {
		if order.Status == StatusActive && !seen[order.Coin] {
			seen[order.Coin] = true
			coins = append(coins, order.Coin)
		}
	}
	return coins
}

// Track feeds one price observation to every active stop on the coin.
// Watermarks ratchet in one direction only, and a trigger decision is
// persisted together with the watermark that produced it before the
// submission is enqueued. An order leaves active exactly once.
func (e *Engine) Track(ctx context.Context, coin string, price float64) ([]TrackResult, error) {
	if price <= 0 {
		return nil, fmt.Errorf("invalid price %v", price)
	}

	e.mu.Lock()
	var results []TrackResult
	var triggered []string
	dirty := false

	for _, order := range e.orders {
		if order.Status != StatusActive || order.Coin != coin {
			continue
		}

		result, changed := observe(order, price)
		if changed {
			dirty = true
		}
		if result.Triggered {
			order.Status = StatusTriggered
			triggered = append(triggered, order.ID)
		}
		results = append(results, result)
	}

	var err error
	if dirty {
		err = e.persistLocked(ctx)
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, id := range triggered {
		e.logger.Info("trailing stop triggered",
			slog.String("id", id),
			slog.String("coin", coin),
			slog.Float64("price", price))
		e.queue.Add(id)
	}
	return results, nil
}

// observe updates one order's watermark and trigger threshold and evaluates
// the trigger condition. The threshold always derives from the current
// watermark, so the persisted order carries the price a submission would
// reference. The caller holds the engine lock.
func observe(order *Order, price float64) (TrackResult, bool) {
	trail, _ := strconv.ParseFloat(order.TrailValue, 64)
	changed := false

	if order.Side == SideSell {
		highest := price
		if order.HighestPrice != nil && *order.HighestPrice > highest {
			highest = *order.HighestPrice
		}
		if order.HighestPrice == nil || highest != *order.HighestPrice {
			order.HighestPrice = &highest
			changed = true
		}

		threshold := highest - trail
		if order.TrailType == TrailPercent {
			threshold = highest * (1 - trail/100)
		}
		if order.TriggerPrice == nil || *order.TriggerPrice != threshold {
			trigger := threshold
			order.TriggerPrice = &trigger
			changed = true
		}
		return TrackResult{
			OrderID:      order.ID,
			Triggered:    price <= threshold,
			Watermark:    highest,
			TriggerPrice: threshold,
		}, changed
	}

	lowest := price
	if order.LowestPrice != nil && *order.LowestPrice < lowest {
		lowest = *order.LowestPrice
	}
	if order.LowestPrice == nil || lowest != *order.LowestPrice {
		order.LowestPrice = &lowest
		changed = true
	}

	threshold := lowest + trail
	if order.TrailType == TrailPercent {
		threshold = lowest * (1 + trail/100)
	}
	if order.TriggerPrice == nil || *order.TriggerPrice != threshold {
		trigger := threshold
		order.TriggerPrice = &trigger
		changed = true
	}
	return TrackResult{
		OrderID:      order.ID,
		Triggered:    price >= threshold,
		Watermark:    lowest,
		TriggerPrice: threshold,
	}, changed
}

// HandleMids feeds a venue mid-price map to the tracker, touching only coins
// with active stops.
func (e *Engine) HandleMids(ctx context.Context, mids map[string]string) {
	for _, coin := range e.ActiveCoins() {
		mid, ok := mids[coin]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(mid, 64)
		if err != nil {
			e.logger.Warn("could not parse mid price",
				slog.String("coin", coin),
				slog.String("mid", mid))
			continue
		}
		if _, err := e.Track(ctx, coin, price); err != nil {
			e.logger.Warn("could not track price",
				slog.String("coin", coin),
				slog.String("error", err.Error()))
		}
	}
}

// Run consumes the submission queue until ctx is cancelled. Call it from a
// dedicated goroutine.
func (e *Engine) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		e.queue.ShutDown()
	}()

	for {
		id, shutdown := e.queue.Get()
		if shutdown {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		e.processSubmission(reqCtx, id)
		cancel()
	}
}

// processSubmission handles a single triggered order from the queue.
func (e *Engine) processSubmission(ctx context.Context, id string) {
	logger := e.logger.With(slog.String("id", id))
	defer e.queue.Done(id)

	e.mu.Lock()
	order, ok := e.orders[id]
	var snapshot Order
	if ok {
		snapshot = *order
	}
	e.mu.Unlock()

	if !ok || snapshot.Status != StatusTriggered {
		e.queue.Forget(id)
		return
	}

	refPrice := 0.0
	if snapshot.TriggerPrice != nil {
		refPrice = *snapshot.TriggerPrice
	}
	isBuy := snapshot.Side == SideBuy

	err := e.submitter.SubmitMarket(ctx, snapshot.Coin, isBuy, snapshot.Size, refPrice, snapshot.ReduceOnly)
	if err == nil {
		logger.Info("submitted market order for triggered stop", slog.String("coin", snapshot.Coin))
		e.queue.Forget(id)
		return
	}

	if errors.Is(err, context.Canceled) {
		e.queue.AddRateLimited(id)
		return
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		logger.Error("submission rejected, marking failed", slog.String("error", err.Error()))
		e.markFailed(ctx, id)
		e.queue.Forget(id)
		return
	}

	if e.queue.NumRequeues(id) < maxSubmitRetries {
		logger.Debug("submission failed, retrying", slog.String("error", err.Error()))
		e.queue.AddRateLimited(id)
		return
	}

	logger.Error("submission failed after retries, marking failed", slog.String("error", err.Error()))
	e.markFailed(ctx, id)
	e.queue.Forget(id)
}

func (e *Engine) markFailed(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[id]
	if !ok || order.Status != StatusTriggered {
		return
	}
	order.Status = StatusFailed
	if err := e.persistLocked(ctx); err != nil {
		e.logger.Warn("could not persist failed status",
			slog.String("id", id),
			slog.String("error", err.Error()))
	}
}

// persistLocked writes the full order set through the store. The caller
// holds the engine lock.
func (e *Engine) persistLocked(ctx context.Context) error {
	orders := make([]Order, 0, len(e.orders))
	for _, order := range e.orders {
		orders = append(orders, *order)
	}
	if err := e.store.SaveOrders(ctx, orders); err != nil {
		return fmt.Errorf("could not persist trailing orders: %w", err)
	}
	return nil
}
