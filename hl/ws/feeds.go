package ws

import (
	"context"
	"encoding/json"
	"fmt"
)

// BasicOrder mirrors the venue's order representation in private feeds.
type BasicOrder struct {
	Coin      string  `json:"coin"`
	Side      string  `json:"side"`
	LimitPx   string  `json:"limitPx"`
	Sz        string  `json:"sz"`
	Oid       int64   `json:"oid"`
	Timestamp int64   `json:"timestamp"`
	OrigSz    string  `json:"origSz"`
	Cloid     *string `json:"cloid,omitempty"`
}

// OrderUpdate is one lifecycle transition of the user's order.
type OrderUpdate struct {
	Order           BasicOrder `json:"order"`
	Status          string     `json:"status"`
	StatusTimestamp int64      `json:"statusTimestamp"`
}

// UserFill is one execution against the user's account.
type UserFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Side      string `json:"side"`
	Time      int64  `json:"time"`
	Oid       int64  `json:"oid"`
	Crossed   bool   `json:"crossed"`
	Fee       string `json:"fee"`
	ClosedPnl string `json:"closedPnl"`
	Dir       string `json:"dir"`
	Hash      string `json:"hash"`
}

// UserEvents is the mixed private event stream. Only the members present in
// a given frame are populated.
type UserEvents struct {
	Fills       []UserFill      `json:"fills,omitempty"`
	Funding     json.RawMessage `json:"funding,omitempty"`
	Liquidation json.RawMessage `json:"liquidation,omitempty"`
}

// UserFills is the dedicated fill feed; the first frame after subscribing is
// a snapshot of recent history.
type UserFills struct {
	User       string     `json:"user"`
	IsSnapshot bool       `json:"isSnapshot,omitempty"`
	Fills      []UserFill `json:"fills"`
}

func decodeInto[T any](cb func(T, error)) Callback {
	return func(data json.RawMessage, err error) {
		var value T
		if err != nil {
			cb(value, err)
			return
		}
		if err := json.Unmarshal(data, &value); err != nil {
			cb(value, fmt.Errorf("could not decode frame: %w", err))
			return
		}
		cb(value, nil)
	}
}

// L2Book subscribes to depth updates for a coin.
func (c *Client) L2Book(ctx context.Context, coin string, cb func(BookSnapshot, error)) (func() error, error) {
	return c.Subscribe(ctx, Subscription{Type: "l2Book", Coin: coin}, decodeInto(cb))
}

// Trades subscribes to the public trade tape for a coin. Frames carry one or
// more trades.
func (c *Client) Trades(ctx context.Context, coin string, cb func([]TradeTick, error)) (func() error, error) {
	return c.Subscribe(ctx, Subscription{Type: "trades", Coin: coin}, decodeInto(cb))
}

// Candle subscribes to interval candles for a coin.
func (c *Client) Candle(ctx context.Context, coin, interval string, cb func(CandleTick, error)) (func() error, error) {
	return c.Subscribe(ctx, Subscription{Type: "candle", Coin: coin, Interval: interval}, decodeInto(cb))
}

// Mids subscribes to the venue-wide mid price map.
func (c *Client) Mids(ctx context.Context, cb func(AllMids, error)) (func() error, error) {
	return c.Subscribe(ctx, Subscription{Type: "allMids"}, decodeInto(cb))
}

// OrderUpdates subscribes to the user's order lifecycle feed.
func (c *Client) OrderUpdates(ctx context.Context, user string, cb func([]OrderUpdate, error)) (func() error, error) {
	return c.Subscribe(ctx, Subscription{Type: "orderUpdates", User: user}, decodeInto(cb))
}

// UserEvents subscribes to the user's mixed private event stream.
func (c *Client) UserEvents(ctx context.Context, user string, cb func(UserEvents, error)) (func() error, error) {
	return c.Subscribe(ctx, Subscription{Type: "userEvents", User: user}, decodeInto(cb))
}

// UserFills subscribes to the user's fill feed.
func (c *Client) UserFills(ctx context.Context, user string, cb func(UserFills, error)) (func() error, error) {
	return c.Subscribe(ctx, Subscription{Type: "userFills", User: user}, decodeInto(cb))
}
