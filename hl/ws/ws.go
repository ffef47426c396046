package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	MainnetWSURL = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL = "wss://api.hyperliquid-testnet.xyz/ws"

	defaultPingInterval = 30 * time.Second
	defaultBackoffMin   = time.Second
	defaultBackoffMax   = 10 * time.Second
	backoffFactor       = 1.5
)

// Subscription is the wire form of a feed request. Coin, User and Interval
// apply only to the kinds that need them.
type Subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	User     string `json:"user,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Key identifies a logical feed. Two Subscribe calls with the same key share
// one venue subscription.
type Key struct {
	Kind     string
	Coin     string
	User     string
	Interval string
}

func (s Subscription) key() Key {
	return Key{
		Kind:     s.Type,
		Coin:     strings.ToUpper(strings.TrimSpace(s.Coin)),
		User:     strings.ToLower(strings.TrimSpace(s.User)),
		Interval: s.Interval,
	}
}

func (s Subscription) normalized() Subscription {
	key := s.key()
	return Subscription{Type: key.Kind, Coin: key.Coin, User: key.User, Interval: key.Interval}
}

// Callback receives the raw data member of each frame on its feed. The error
// argument is reserved for decode failures in the typed wrappers.
type Callback func(data json.RawMessage, err error)

type callbackEntry struct {
	id int64
	fn Callback
}

type feed struct {
	sub       Subscription
	callbacks []callbackEntry
}

type wsRequest struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

type wsFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Client multiplexes every feed over a single venue websocket. The feed
// registry is the single source of truth for what is subscribed: feeds
// registered while disconnected are flushed once the socket is up, and every
// active feed is replayed after a reconnect.
type Client struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	feeds  map[Key]*feed
	nextID int64
	closed bool

	writeMu sync.Mutex

	connecting singleflight.Group

	pingInterval time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration
	maxRetries   int

	onDispatchError func(channel string, recovered any)

	logger *slog.Logger
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithPingInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pingInterval = interval
		}
	}
}

// WithReconnectBackoff bounds the delay between reconnect attempts.
// maxRetries of 0 retries forever.
func WithReconnectBackoff(min, max time.Duration, maxRetries int) Option {
	return func(c *Client) {
		if min > 0 {
			c.backoffMin = min
		}
		if max > 0 {
			c.backoffMax = max
		}
		c.maxRetries = maxRetries
	}
}

// WithDispatchErrorHandler observes panics recovered from feed callbacks. A
// panicking callback never takes down the read loop or its sibling feeds.
func WithDispatchErrorHandler(fn func(channel string, recovered any)) Option {
	return func(c *Client) {
		c.onDispatchError = fn
	}
}

// New builds a client. Pass "" for url to use mainnet. The socket is not
// opened until Connect.
func New(url string, opts ...Option) *Client {
	if url == "" {
		url = MainnetWSURL
	}
	c := &Client{
		url:          url,
		dialer:       websocket.DefaultDialer,
		feeds:        make(map[Key]*feed),
		pingInterval: defaultPingInterval,
		backoffMin:   defaultBackoffMin,
		backoffMax:   defaultBackoffMax,
		logger:       slog.Default().WithGroup("hyperliquid").WithGroup("ws"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the websocket. Concurrent and repeated calls share one dial:
// callers may race Connect freely and each sees the same outcome.
func (c *Client) Connect(ctx context.Context) error {
	_, err, _ := c.connecting.Do("connect", func() (any, error) {
		c.mu.Lock()
		if c.conn != nil {
			c.mu.Unlock()
			return nil, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("client is closed")
		}
		c.mu.Unlock()

		return nil, c.dial(ctx)
	})
	return err
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("could not dial %s: %w", c.url, err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		// Close won the race while we were dialing
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client is closed")
	}
	c.conn = conn
	c.done = done
	flush := make([]Subscription, 0, len(c.feeds))
	for _, f := range c.feeds {
		flush = append(flush, f.sub)
	}
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	for _, sub := range flush {
		if err := c.send(wsRequest{Method: "subscribe", Subscription: &sub}); err != nil {
			c.logger.Warn("could not send subscribe",
				slog.String("type", sub.Type),
				slog.String("error", err.Error()))
		}
	}

	c.logger.Info("connected", slog.String("url", c.url))
	return nil
}

func (c *Client) send(req wsRequest) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(req)
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(wsRequest{Method: "ping"}); err != nil {
				c.logger.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			closed := c.closed
			if !stale {
				c.conn = nil
			}
			c.mu.Unlock()

			if closed || stale {
				return
			}
			c.logger.Warn("connection lost", slog.String("error", err.Error()))
			go c.reconnect()
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Debug("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Channel {
		case "pong", "subscriptionResponse":
			// keepalive and subscription acks carry no feed data
			continue
		}

		c.dispatch(frame)
	}
}

func (c *Client) reconnect() {
	delay := c.backoffMin
	attempt := 0

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		attempt++
		if c.maxRetries > 0 && attempt > c.maxRetries {
			c.logger.Error("giving up reconnecting", slog.Int("attempts", attempt-1))
			return
		}

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * backoffFactor)
		if delay > c.backoffMax {
			delay = c.backoffMax
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("reconnect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
}

// dispatch routes a frame to every callback whose key matches it exactly.
// Kinds whose payloads carry no identifying field fan out to all feeds of
// that kind.
func (c *Client) dispatch(frame wsFrame) {
	coin, interval := frameIdentity(frame)

	c.mu.Lock()
	var targets []callbackEntry
	for key, f := range c.feeds {
		if key.Kind != frame.Channel {
			continue
		}
		if coin != "" && key.Coin != "" && key.Coin != strings.ToUpper(coin) {
			continue
		}
		if interval != "" && key.Interval != "" && key.Interval != interval {
			continue
		}
		targets = append(targets, f.callbacks...)
	}
	c.mu.Unlock()

	for _, entry := range targets {
		c.invoke(frame.Channel, entry, frame.Data)
	}
}

func (c *Client) invoke(channel string, entry callbackEntry, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked",
				slog.String("channel", channel),
				slog.Any("panic", r))
			if c.onDispatchError != nil {
				c.onDispatchError(channel, r)
			}
		}
	}()
	entry.fn(data, nil)
}

// frameIdentity pulls the coin (and candle interval) out of a frame so it can
// be matched against feed keys.
func frameIdentity(frame wsFrame) (coin, interval string) {
	switch frame.Channel {
	case "l2Book":
		var peek struct {
			Coin string `json:"coin"`
		}
		if json.Unmarshal(frame.Data, &peek) == nil {
			coin = peek.Coin
		}
	case "trades":
		var peek []struct {
			Coin string `json:"coin"`
		}
		if json.Unmarshal(frame.Data, &peek) == nil && len(peek) > 0 {
			coin = peek[0].Coin
		}
	case "candle":
		var peek struct {
			Coin     string `json:"s"`
			Interval string `json:"i"`
		}
		if json.Unmarshal(frame.Data, &peek) == nil {
			coin = peek.Coin
			interval = peek.Interval
		}
	}
	return coin, interval
}

// Subscribe registers a callback for the feed and returns an unsubscribe
// function. The venue subscription is shared: only the first registration
// for a key sends a subscribe frame, and only the last removal sends the
// unsubscribe.
func (c *Client) Subscribe(ctx context.Context, sub Subscription, cb Callback) (func() error, error) {
	if sub.Type == "" {
		return nil, fmt.Errorf("subscription type is required")
	}
	sub = sub.normalized()
	key := sub.key()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}

	c.nextID++
	id := c.nextID

	f, exists := c.feeds[key]
	if !exists {
		f = &feed{sub: sub}
		c.feeds[key] = f
	}
	f.callbacks = append(f.callbacks, callbackEntry{id: id, fn: cb})
	connected := c.conn != nil
	c.mu.Unlock()

	if !exists && connected {
		if err := c.send(wsRequest{Method: "subscribe", Subscription: &sub}); err != nil {
			c.removeCallback(key, id)
			return nil, fmt.Errorf("could not subscribe: %w", err)
		}
	}

	c.logger.Debug("subscribed",
		slog.String("type", sub.Type),
		slog.String("coin", sub.Coin),
		slog.String("user", sub.User))

	var once sync.Once
	unsubscribe := func() error {
		var err error
		once.Do(func() {
			err = c.removeCallback(key, id)
		})
		return err
	}
	return unsubscribe, nil
}

func (c *Client) removeCallback(key Key, id int64) error {
	c.mu.Lock()
	f, ok := c.feeds[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	for i, entry := range f.callbacks {
		if entry.id == id {
			f.callbacks = append(f.callbacks[:i], f.callbacks[i+1:]...)
			break
		}
	}
	last := len(f.callbacks) == 0
	var sub Subscription
	if last {
		sub = f.sub
		delete(c.feeds, key)
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if last && connected {
		if err := c.send(wsRequest{Method: "unsubscribe", Subscription: &sub}); err != nil {
			return fmt.Errorf("could not unsubscribe: %w", err)
		}
	}
	return nil
}

// Close tears the socket down and forgets every feed. The client does not
// reconnect after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.feeds = make(map[Key]*feed)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ActiveFeeds reports the number of live venue subscriptions.
func (c *Client) ActiveFeeds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.feeds)
}
