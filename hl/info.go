package hl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	MainnetAPIURL = "https://api.hyperliquid.xyz"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"
)

// HTTPError carries the status code and body of a non-2xx venue response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("venue returned status %d: %s", e.StatusCode, e.Body)
}

type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

type L2Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// L2Book holds bid levels at index 0 and ask levels at index 1, the venue's
// ordering.
type L2Book struct {
	Coin   string       `json:"coin"`
	Time   int64        `json:"time"`
	Levels [2][]L2Level `json:"levels"`
}

type Trade struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Tid  int64  `json:"tid"`
}

type Candle struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Coin      string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int    `json:"n"`
}

type Leverage struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

type Position struct {
	Coin           string   `json:"coin"`
	Szi            string   `json:"szi"`
	EntryPx        *string  `json:"entryPx"`
	PositionValue  string   `json:"positionValue"`
	UnrealizedPnl  string   `json:"unrealizedPnl"`
	ReturnOnEquity string   `json:"returnOnEquity"`
	Leverage       Leverage `json:"leverage"`
	MaxLeverage    int      `json:"maxLeverage"`
}

type AssetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

type MarginSummary struct {
	AccountValue string `json:"accountValue"`
	TotalNtlPos  string `json:"totalNtlPos"`
	TotalRawUsd  string `json:"totalRawUsd"`
}

type ClearinghouseState struct {
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
	AssetPositions []AssetPosition `json:"assetPositions"`
	Time           int64           `json:"time"`
}

type OpenOrder struct {
	Coin      string  `json:"coin"`
	Side      string  `json:"side"`
	LimitPx   string  `json:"limitPx"`
	Sz        string  `json:"sz"`
	Oid       int64   `json:"oid"`
	Timestamp int64   `json:"timestamp"`
	OrigSz    string  `json:"origSz"`
	Cloid     *string `json:"cloid,omitempty"`
}

// FrontendOpenOrder is an open order enriched with the trigger and TWAP
// detail the plain openOrders listing omits.
type FrontendOpenOrder struct {
	OpenOrder
	OrderType        string            `json:"orderType"`
	IsTrigger        bool              `json:"isTrigger"`
	TriggerPx        string            `json:"triggerPx"`
	TriggerCondition string            `json:"triggerCondition"`
	IsPositionTpsl   bool              `json:"isPositionTpsl"`
	ReduceOnly       bool              `json:"reduceOnly"`
	Tif              *string           `json:"tif"`
	Children         []json.RawMessage `json:"children"`
}

type Fill struct {
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

// Info queries the venue's read-only endpoint.
type Info struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

type InfoOption func(*Info)

func WithInfoHTTPClient(client *http.Client) InfoOption {
	return func(i *Info) {
		if client != nil {
			i.http = client
		}
	}
}

func WithInfoLogger(logger *slog.Logger) InfoOption {
	return func(i *Info) {
		i.logger = logger
	}
}

// NewInfo constructs an Info client. Pass "" for baseURL to use mainnet.
func NewInfo(baseURL string, opts ...InfoOption) *Info {
	if baseURL == "" {
		baseURL = MainnetAPIURL
	}
	info := &Info{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 20 * time.Second},
		logger:  slog.Default().WithGroup("hyperliquid").WithGroup("info"),
	}
	for _, opt := range opts {
		opt(info)
	}
	return info
}

func (i *Info) post(ctx context.Context, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode info request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/info", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.http.Do(req)
	if err != nil {
		return fmt.Errorf("post info request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read info response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode info response: %w", err)
	}
	return nil
}

func (i *Info) Meta(ctx context.Context) (*Meta, error) {
	var meta Meta
	if err := i.post(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// MetaAndAssetCtxs returns the perp universe plus per-asset market context.
// The venue replies with a two-element array; the contexts are kept raw since
// callers only need mark/mid prices out of them selectively.
func (i *Info) MetaAndAssetCtxs(ctx context.Context) (*Meta, []json.RawMessage, error) {
	var result []json.RawMessage
	if err := i.post(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &result); err != nil {
		return nil, nil, err
	}
	if len(result) < 2 {
		return nil, nil, fmt.Errorf("metaAndAssetCtxs returned %d elements, want 2", len(result))
	}

	var meta Meta
	if err := json.Unmarshal(result[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("decode meta: %w", err)
	}
	var ctxs []json.RawMessage
	if err := json.Unmarshal(result[1], &ctxs); err != nil {
		return nil, nil, fmt.Errorf("decode asset contexts: %w", err)
	}
	return &meta, ctxs, nil
}

func (i *Info) AllMids(ctx context.Context) (map[string]string, error) {
	mids := make(map[string]string)
	if err := i.post(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}

func (i *Info) L2Book(ctx context.Context, coin string, nSigFigs int) (*L2Book, error) {
	body := map[string]any{"type": "l2Book", "coin": coin}
	if nSigFigs > 0 {
		body["nSigFigs"] = nSigFigs
	}
	var book L2Book
	if err := i.post(ctx, body, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (i *Info) RecentTrades(ctx context.Context, coin string) ([]Trade, error) {
	var trades []Trade
	if err := i.post(ctx, map[string]any{"type": "recentTrades", "coin": coin}, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func (i *Info) CandleSnapshot(ctx context.Context, coin, interval string, startTime, endTime int64) ([]Candle, error) {
	if endTime == 0 {
		endTime = time.Now().UnixMilli()
	}
	body := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      coin,
			"interval":  interval,
			"startTime": startTime,
			"endTime":   endTime,
		},
	}
	var candles []Candle
	if err := i.post(ctx, body, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (i *Info) ClearinghouseState(ctx context.Context, user string) (*ClearinghouseState, error) {
	var state ClearinghouseState
	if err := i.post(ctx, map[string]any{"type": "clearinghouseState", "user": strings.ToLower(user)}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (i *Info) OpenOrders(ctx context.Context, user string) ([]OpenOrder, error) {
	var orders []OpenOrder
	if err := i.post(ctx, map[string]any{"type": "openOrders", "user": strings.ToLower(user)}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// FrontendOpenOrders is the enriched variant of OpenOrders, including
// trigger orders and TWAP children the way the venue's own UI lists them.
func (i *Info) FrontendOpenOrders(ctx context.Context, user string) ([]FrontendOpenOrder, error) {
	var orders []FrontendOpenOrder
	if err := i.post(ctx, map[string]any{"type": "frontendOpenOrders", "user": strings.ToLower(user)}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (i *Info) UserFills(ctx context.Context, user string) ([]Fill, error) {
	var fills []Fill
	if err := i.post(ctx, map[string]any{"type": "userFills", "user": strings.ToLower(user)}, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// MaxBuilderFee returns the fee rate, in tenths of a basis point, the user
// has authorized for the given builder address.
func (i *Info) MaxBuilderFee(ctx context.Context, user, builder string) (int, error) {
	var fee int
	body := map[string]any{
		"type":    "maxBuilderFee",
		"user":    strings.ToLower(user),
		"builder": strings.ToLower(builder),
	}
	if err := i.post(ctx, body, &fee); err != nil {
		return 0, err
	}
	return fee, nil
}

// OrderStatus looks up a single order by numeric oid or hex cloid.
func (i *Info) OrderStatus(ctx context.Context, user string, oid any) (json.RawMessage, error) {
	var status json.RawMessage
	body := map[string]any{"type": "orderStatus", "user": strings.ToLower(user), "oid": oid}
	if err := i.post(ctx, body, &status); err != nil {
		return nil, err
	}
	return status, nil
}
