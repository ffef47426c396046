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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// VenueError carries a rejection reason exactly as the venue reported it.
// Rejections are deterministic; callers must not retry them.
type VenueError struct {
	Reason string
}

func (e *VenueError) Error() string {
	return e.Reason
}

// BuilderConfig identifies the front-end operator collecting a per-order fee.
// FeeTenthsBps is expressed in tenths of a basis point, matching the venue's
// wire unit.
type BuilderConfig struct {
	Address      string
	FeeTenthsBps int
}

// MaxFeeRate renders the fee as the percent string the approval action wants,
// e.g. 10 tenths of a bp -> "0.01%".
func (b BuilderConfig) MaxFeeRate() string {
	return FloatToWire(float64(b.FeeTenthsBps)/1000) + "%"
}

// Exchange submits signed actions to the venue's /exchange endpoint. All
// trading actions funnel through a single pacing gate so bursts of
// submissions never trip the venue's rate limits.
type Exchange struct {
	baseURL string
	http    *http.Client
	signer  Signer
	info    *Info
	catalog *AssetCatalog
	nonces  *NonceSource

	testnet          bool
	signatureChainID int64
	vault            *common.Address
	builder          *BuilderConfig
	slippage         float64

	mu          sync.Mutex
	nextAllowed time.Time
	minSpacing  time.Duration

	approvedMu sync.Mutex
	approved   map[string]bool

	logger *slog.Logger
}

type ExchangeOption func(*Exchange)

func WithExchangeHTTPClient(client *http.Client) ExchangeOption {
	return func(e *Exchange) {
		if client != nil {
			e.http = client
		}
	}
}

func WithExchangeLogger(logger *slog.Logger) ExchangeOption {
	return func(e *Exchange) {
		e.logger = logger
	}
}

// WithVault routes all trading actions through a vault or subaccount.
func WithVault(vault common.Address) ExchangeOption {
	return func(e *Exchange) {
		e.vault = &vault
	}
}

// WithBuilder attaches the operator's builder fee to every order.
func WithBuilder(cfg BuilderConfig) ExchangeOption {
	return func(e *Exchange) {
		cfg.Address = strings.ToLower(cfg.Address)
		e.builder = &cfg
	}
}

// WithSignatureChainID sets the wallet chain id used for user-signed actions.
// Defaults to Arbitrum One (42161).
func WithSignatureChainID(chainID int64) ExchangeOption {
	return func(e *Exchange) {
		e.signatureChainID = chainID
	}
}

// WithSlippage sets the default market-order slippage fraction.
func WithSlippage(slippage float64) ExchangeOption {
	return func(e *Exchange) {
		if slippage > 0 {
			e.slippage = slippage
		}
	}
}

func WithTestnet(testnet bool) ExchangeOption {
	return func(e *Exchange) {
		e.testnet = testnet
	}
}

// NewExchange constructs the execution client. Pass "" for baseURL to use
// mainnet.
func NewExchange(baseURL string, signer Signer, info *Info, opts ...ExchangeOption) *Exchange {
	if baseURL == "" {
		baseURL = MainnetAPIURL
	}
	exchange := &Exchange{
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             &http.Client{Timeout: 30 * time.Second},
		signer:           signer,
		info:             info,
		catalog:          NewAssetCatalog(info),
		nonces:           &NonceSource{},
		signatureChainID: 42161,
		slippage:         DefaultSlippage,
		nextAllowed:      time.Now(),
		minSpacing:       300 * time.Millisecond,
		approved:         make(map[string]bool),
		logger:           slog.Default().WithGroup("hyperliquid").WithGroup("exchange"),
	}
	for _, opt := range opts {
		opt(exchange)
	}
	return exchange
}

// waitTurn enforces a simple global pacing for all venue actions to avoid
// bursting into rate limits. It spaces calls by minSpacing, and can be
// tightened by applying a longer cooldown when 429s are seen.
func (e *Exchange) waitTurn(ctx context.Context) error {
	for {
		e.mu.Lock()
		wait := time.Until(e.nextAllowed)
		if wait <= 0 {
			// reserve our slot and release the lock
			e.nextAllowed = time.Now().Add(e.minSpacing)
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Exchange) applyCooldown(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	next := now.Add(d)
	if next.After(e.nextAllowed) {
		e.nextAllowed = next
	}
}

func (e *Exchange) hyperliquidChain() string {
	if e.testnet {
		return "Testnet"
	}
	return "Mainnet"
}

func (e *Exchange) signatureChainIDHex() string {
	return fmt.Sprintf("0x%x", e.signatureChainID)
}

type exchangeRequest struct {
	Action       any             `json:"action"`
	Nonce        uint64          `json:"nonce"`
	Signature    ParsedSignature `json:"signature"`
	VaultAddress *string         `json:"vaultAddress,omitempty"`
}

// submitL1 signs a trading action under the phantom agent scheme and posts
// it. Signer errors come back untouched: a delegated wallet rejecting the
// request is a user decision, not a transport failure.
func (e *Exchange) submitL1(ctx context.Context, action any) (*ExchangeResponse, error) {
	if err := e.waitTurn(ctx); err != nil {
		return nil, err
	}

	nonce := e.nonces.Next()
	connectionID, err := ActionHash(action, e.vault, nonce)
	if err != nil {
		return nil, fmt.Errorf("could not hash action: %w", err)
	}

	sig, err := e.signer.SignTypedData(ctx, AgentTypedData(connectionID, e.testnet))
	if err != nil {
		return nil, err
	}
	parsed, err := SplitSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("could not split signature: %w", err)
	}

	req := exchangeRequest{Action: action, Nonce: nonce, Signature: parsed}
	if e.vault != nil {
		vault := strings.ToLower(e.vault.Hex())
		req.VaultAddress = &vault
	}
	return e.post(ctx, req)
}

// submitUserSigned signs an action whose fields live directly in the typed
// data, under the wallet's own chain id.
func (e *Exchange) submitUserSigned(ctx context.Context, action any, data apitypes.TypedData, nonce uint64) (*ExchangeResponse, error) {
	if err := e.waitTurn(ctx); err != nil {
		return nil, err
	}

	sig, err := e.signer.SignTypedData(ctx, data)
	if err != nil {
		return nil, err
	}
	parsed, err := SplitSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("could not split signature: %w", err)
	}

	return e.post(ctx, exchangeRequest{Action: action, Nonce: nonce, Signature: parsed})
}

func (e *Exchange) post(ctx context.Context, req exchangeRequest) (*ExchangeResponse, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/exchange", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("could not post action: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests {
			e.logger.Debug("hit ratelimit, cooldown of 10s applied")
			e.applyCooldown(10 * time.Second)
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	var decoded ExchangeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("could not decode response: %w", err)
	}
	if !decoded.OK() {
		reason := decoded.ErrString()
		if strings.Contains(reason, "429") || strings.Contains(strings.ToLower(reason), "rate limit") {
			e.logger.Debug("hit ratelimit, cooldown of 10s applied")
			e.applyCooldown(10 * time.Second)
		}
		return &decoded, &VenueError{Reason: reason}
	}
	return &decoded, nil
}

// OrderRequest describes a single order before wire encoding. Price and Size
// are rounded to the coin's constraints; a zero Type defaults to GTC limit.
type OrderRequest struct {
	Coin       string
	IsBuy      bool
	Size       float64
	Price      float64
	Type       OrderType
	ReduceOnly bool
	Cloid      *string
}

func (e *Exchange) buildOrderWire(ctx context.Context, req OrderRequest) (OrderWire, error) {
	constraints, err := e.catalog.Resolve(ctx, req.Coin)
	if err != nil {
		return OrderWire{}, err
	}

	orderType := req.Type
	if orderType.Limit == nil && orderType.Trigger == nil {
		orderType.Limit = &LimitOrderType{Tif: TifGtc}
	}

	return OrderWire{
		Asset:      constraints.AssetID,
		IsBuy:      req.IsBuy,
		LimitPx:    FloatToWire(constraints.RoundPrice(req.Price)),
		Size:       FloatToWire(constraints.RoundSize(req.Size)),
		ReduceOnly: req.ReduceOnly,
		Type:       orderType,
		Cloid:      req.Cloid,
	}, nil
}

// Order submits a single order. When a builder fee is configured the
// authorization gate runs first so the attached fee can never be rejected
// for lack of approval.
func (e *Exchange) Order(ctx context.Context, req OrderRequest) (*ExchangeResponse, error) {
	return e.Orders(ctx, []OrderRequest{req}, "na")
}

// Orders submits a batch under the given grouping ("na", "normalTpsl" or
// "positionTpsl").
func (e *Exchange) Orders(ctx context.Context, reqs []OrderRequest, grouping string) (*ExchangeResponse, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no orders to submit")
	}
	if grouping == "" {
		grouping = "na"
	}

	wires := make([]OrderWire, 0, len(reqs))
	for _, req := range reqs {
		wire, err := e.buildOrderWire(ctx, req)
		if err != nil {
			return nil, err
		}
		wires = append(wires, wire)
	}

	action := OrderAction{Type: "order", Orders: wires, Grouping: grouping}
	if e.builder != nil {
		if err := e.EnsureBuilderFee(ctx); err != nil {
			return nil, err
		}
		action.Builder = &BuilderWire{Address: e.builder.Address, FeeTenthsBps: e.builder.FeeTenthsBps}
	}

	e.logger.Debug("submit order", slog.Int("count", len(wires)), slog.String("grouping", grouping))
	return e.submitL1(ctx, action)
}

// MarketOrder submits an immediate-or-cancel order with the configured
// slippage applied to the reference price. A zero refPrice is resolved from
// the venue's current mids.
func (e *Exchange) MarketOrder(ctx context.Context, coin string, isBuy bool, size, refPrice float64, reduceOnly bool, cloid *string) (*ExchangeResponse, error) {
	if refPrice == 0 {
		mids, err := e.info.AllMids(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not resolve reference price: %w", err)
		}
		mid, ok := mids[coin]
		if !ok {
			return nil, fmt.Errorf("no mid price for coin %q", coin)
		}
		refPrice, err = parseWireFloat(mid)
		if err != nil {
			return nil, fmt.Errorf("could not parse mid price %q: %w", mid, err)
		}
	}

	return e.Order(ctx, OrderRequest{
		Coin:       coin,
		IsBuy:      isBuy,
		Size:       size,
		Price:      SlippagePrice(refPrice, isBuy, e.slippage),
		Type:       OrderType{Limit: &LimitOrderType{Tif: TifIoc}},
		ReduceOnly: reduceOnly,
		Cloid:      cloid,
	})
}

// ClosePosition flattens the current position in coin with a reduce-only
// market order. Returns an error when there is nothing to close.
func (e *Exchange) ClosePosition(ctx context.Context, coin string) (*ExchangeResponse, error) {
	state, err := e.info.ClearinghouseState(ctx, e.signer.Address().Hex())
	if err != nil {
		return nil, fmt.Errorf("could not read positions: %w", err)
	}

	for _, ap := range state.AssetPositions {
		if ap.Position.Coin != coin {
			continue
		}
		szi, err := parseWireFloat(ap.Position.Szi)
		if err != nil {
			return nil, fmt.Errorf("could not parse position size %q: %w", ap.Position.Szi, err)
		}
		if szi == 0 {
			break
		}
		// closing a long sells, closing a short buys
		isBuy := szi < 0
		size := szi
		if size < 0 {
			size = -size
		}
		return e.MarketOrder(ctx, coin, isBuy, size, 0, true, nil)
	}
	return nil, fmt.Errorf("no open position for coin %q", coin)
}

func (e *Exchange) Cancel(ctx context.Context, coin string, oid int64) (*ExchangeResponse, error) {
	asset, err := e.catalog.AssetID(ctx, coin)
	if err != nil {
		return nil, err
	}
	return e.submitL1(ctx, CancelAction{
		Type:    "cancel",
		Cancels: []CancelWire{{Asset: asset, Oid: oid}},
	})
}

func (e *Exchange) CancelByCloid(ctx context.Context, coin, cloid string) (*ExchangeResponse, error) {
	asset, err := e.catalog.AssetID(ctx, coin)
	if err != nil {
		return nil, err
	}
	return e.submitL1(ctx, CancelByCloidAction{
		Type:    "cancelByCloid",
		Cancels: []CancelByCloidWire{{Asset: asset, Cloid: cloid}},
	})
}

func (e *Exchange) Modify(ctx context.Context, oid int64, req OrderRequest) (*ExchangeResponse, error) {
	wire, err := e.buildOrderWire(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.submitL1(ctx, ModifyAction{Type: "modify", Oid: oid, Order: wire})
}

type ModifyRequest struct {
	Oid   int64
	Order OrderRequest
}

func (e *Exchange) BatchModify(ctx context.Context, reqs []ModifyRequest) (*ExchangeResponse, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no modifies to submit")
	}
	modifies := make([]ModifyWire, 0, len(reqs))
	for _, req := range reqs {
		wire, err := e.buildOrderWire(ctx, req.Order)
		if err != nil {
			return nil, err
		}
		modifies = append(modifies, ModifyWire{Oid: req.Oid, Order: wire})
	}
	return e.submitL1(ctx, BatchModifyAction{Type: "batchModify", Modifies: modifies})
}

func (e *Exchange) UpdateLeverage(ctx context.Context, coin string, isCross bool, leverage int) (*ExchangeResponse, error) {
	asset, err := e.catalog.AssetID(ctx, coin)
	if err != nil {
		return nil, err
	}
	return e.submitL1(ctx, UpdateLeverageAction{
		Type:     "updateLeverage",
		Asset:    asset,
		IsCross:  isCross,
		Leverage: leverage,
	})
}

// UpdateIsolatedMargin adds or removes isolated margin; ntli is USD scaled
// by 1e6.
func (e *Exchange) UpdateIsolatedMargin(ctx context.Context, coin string, isBuy bool, ntli int64) (*ExchangeResponse, error) {
	asset, err := e.catalog.AssetID(ctx, coin)
	if err != nil {
		return nil, err
	}
	return e.submitL1(ctx, UpdateIsolatedMarginAction{
		Type:  "updateIsolatedMargin",
		Asset: asset,
		IsBuy: isBuy,
		Ntli:  ntli,
	})
}

func (e *Exchange) TwapOrder(ctx context.Context, coin string, isBuy bool, size float64, minutes int, reduceOnly, randomize bool) (*ExchangeResponse, error) {
	constraints, err := e.catalog.Resolve(ctx, coin)
	if err != nil {
		return nil, err
	}
	return e.submitL1(ctx, TwapOrderAction{
		Type: "twapOrder",
		Twap: TwapWire{
			Asset:      constraints.AssetID,
			IsBuy:      isBuy,
			Size:       FloatToWire(constraints.RoundSize(size)),
			ReduceOnly: reduceOnly,
			Minutes:    minutes,
			Randomize:  randomize,
		},
	})
}

func (e *Exchange) TwapCancel(ctx context.Context, coin string, twapID int64) (*ExchangeResponse, error) {
	asset, err := e.catalog.AssetID(ctx, coin)
	if err != nil {
		return nil, err
	}
	return e.submitL1(ctx, TwapCancelAction{Type: "twapCancel", Asset: asset, TwapID: twapID})
}

// ApproveBuilderFee signs and submits the fee authorization for the
// configured builder.
func (e *Exchange) ApproveBuilderFee(ctx context.Context) (*ExchangeResponse, error) {
	if e.builder == nil {
		return nil, fmt.Errorf("no builder configured")
	}

	nonce := e.nonces.Next()
	action := ApproveBuilderFeeAction{
		Type:             "approveBuilderFee",
		HyperliquidChain: e.hyperliquidChain(),
		SignatureChainID: e.signatureChainIDHex(),
		MaxFeeRate:       e.builder.MaxFeeRate(),
		Builder:          e.builder.Address,
		Nonce:            nonce,
	}
	return e.submitUserSigned(ctx, action, ApproveBuilderFeeTypedData(action, e.signatureChainID), nonce)
}

// EnsureBuilderFee checks that the signing user has authorized at least the
// configured builder fee, submitting an approval if not. The positive result
// is cached for the session; a revocation mid-session surfaces as a venue
// rejection on the next order.
func (e *Exchange) EnsureBuilderFee(ctx context.Context) error {
	if e.builder == nil {
		return nil
	}

	key := strings.ToLower(e.signer.Address().Hex()) + "/" + e.builder.Address

	e.approvedMu.Lock()
	done := e.approved[key]
	e.approvedMu.Unlock()
	if done {
		return nil
	}

	current, err := e.info.MaxBuilderFee(ctx, e.signer.Address().Hex(), e.builder.Address)
	if err != nil {
		return fmt.Errorf("could not query builder fee approval: %w", err)
	}
	if current < e.builder.FeeTenthsBps {
		if _, err := e.ApproveBuilderFee(ctx); err != nil {
			return fmt.Errorf("could not approve builder fee: %w", err)
		}
		e.logger.Info("approved builder fee",
			slog.String("builder", e.builder.Address),
			slog.String("max-fee-rate", e.builder.MaxFeeRate()))
	}

	e.approvedMu.Lock()
	e.approved[key] = true
	e.approvedMu.Unlock()
	return nil
}

// UsdSend transfers USDC to another venue account.
func (e *Exchange) UsdSend(ctx context.Context, destination, amount string) (*ExchangeResponse, error) {
	nonce := e.nonces.Next()
	action := UsdSendAction{
		Type:             "usdSend",
		HyperliquidChain: e.hyperliquidChain(),
		SignatureChainID: e.signatureChainIDHex(),
		Destination:      strings.ToLower(destination),
		Amount:           amount,
		Time:             nonce,
	}
	return e.submitUserSigned(ctx, action, UsdSendTypedData(action, e.signatureChainID), nonce)
}

// Withdraw moves USDC from the venue back to the signing wallet's chain.
func (e *Exchange) Withdraw(ctx context.Context, destination, amount string) (*ExchangeResponse, error) {
	nonce := e.nonces.Next()
	action := WithdrawAction{
		Type:             "withdraw3",
		HyperliquidChain: e.hyperliquidChain(),
		SignatureChainID: e.signatureChainIDHex(),
		Destination:      strings.ToLower(destination),
		Amount:           amount,
		Time:             nonce,
	}
	return e.submitUserSigned(ctx, action, WithdrawTypedData(action, e.signatureChainID), nonce)
}

// UsdClassTransfer moves USDC between the perp and spot balances.
func (e *Exchange) UsdClassTransfer(ctx context.Context, amount string, toPerp bool) (*ExchangeResponse, error) {
	nonce := e.nonces.Next()
	action := UsdClassTransferAction{
		Type:             "usdClassTransfer",
		HyperliquidChain: e.hyperliquidChain(),
		SignatureChainID: e.signatureChainIDHex(),
		Amount:           amount,
		ToPerp:           toPerp,
		Nonce:            nonce,
	}
	return e.submitUserSigned(ctx, action, UsdClassTransferTypedData(action, e.signatureChainID), nonce)
}
