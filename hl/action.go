package hl

import "encoding/json"

// Venue wire structs. Field order is load bearing: the canonical action hash
// is computed over the msgpack encoding of these structs, and msgpack emits
// map entries in declaration order. Do not reorder fields.

type Tif string

const (
	TifGtc Tif = "Gtc"
	TifIoc Tif = "Ioc"
	TifAlo Tif = "Alo"
)

type TpSl string

const (
	TpSlTakeProfit TpSl = "tp"
	TpSlStopLoss   TpSl = "sl"
)

type LimitOrderType struct {
	Tif Tif `json:"tif" msgpack:"tif"`
}

type TriggerOrderType struct {
	IsMarket  bool   `json:"isMarket" msgpack:"isMarket"`
	TriggerPx string `json:"triggerPx" msgpack:"triggerPx"`
	TpSl      TpSl   `json:"tpsl" msgpack:"tpsl"`
}

type OrderType struct {
	Limit   *LimitOrderType   `json:"limit,omitempty" msgpack:"limit,omitempty"`
	Trigger *TriggerOrderType `json:"trigger,omitempty" msgpack:"trigger,omitempty"`
}

type OrderWire struct {
	Asset      int       `json:"a" msgpack:"a"`
	IsBuy      bool      `json:"b" msgpack:"b"`
	LimitPx    string    `json:"p" msgpack:"p"`
	Size       string    `json:"s" msgpack:"s"`
	ReduceOnly bool      `json:"r" msgpack:"r"`
	Type       OrderType `json:"t" msgpack:"t"`
	Cloid      *string   `json:"c,omitempty" msgpack:"c,omitempty"`
}

// BuilderWire attaches the front-end operator's fee to an order action.
type BuilderWire struct {
	Address      string `json:"b" msgpack:"b"`
	FeeTenthsBps int    `json:"f" msgpack:"f"`
}

type OrderAction struct {
	Type     string       `json:"type" msgpack:"type"`
	Orders   []OrderWire  `json:"orders" msgpack:"orders"`
	Grouping string       `json:"grouping" msgpack:"grouping"`
	Builder  *BuilderWire `json:"builder,omitempty" msgpack:"builder,omitempty"`
}

type CancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type CancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []CancelWire `json:"cancels" msgpack:"cancels"`
}

type CancelByCloidWire struct {
	Asset int    `json:"asset" msgpack:"asset"`
	Cloid string `json:"cloid" msgpack:"cloid"`
}

type CancelByCloidAction struct {
	Type    string              `json:"type" msgpack:"type"`
	Cancels []CancelByCloidWire `json:"cancels" msgpack:"cancels"`
}

type ModifyAction struct {
	Type  string    `json:"type" msgpack:"type"`
	Oid   int64     `json:"oid" msgpack:"oid"`
	Order OrderWire `json:"order" msgpack:"order"`
}

type ModifyWire struct {
	Oid   int64     `json:"oid" msgpack:"oid"`
	Order OrderWire `json:"order" msgpack:"order"`
}

type BatchModifyAction struct {
	Type     string       `json:"type" msgpack:"type"`
	Modifies []ModifyWire `json:"modifies" msgpack:"modifies"`
}

type UpdateLeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

type UpdateIsolatedMarginAction struct {
	Type  string `json:"type" msgpack:"type"`
	Asset int    `json:"asset" msgpack:"asset"`
	IsBuy bool   `json:"isBuy" msgpack:"isBuy"`
	Ntli  int64  `json:"ntli" msgpack:"ntli"`
}

type TwapWire struct {
	Asset      int    `json:"a" msgpack:"a"`
	IsBuy      bool   `json:"b" msgpack:"b"`
	Size       string `json:"s" msgpack:"s"`
	ReduceOnly bool   `json:"r" msgpack:"r"`
	Minutes    int    `json:"m" msgpack:"m"`
	Randomize  bool   `json:"t" msgpack:"t"`
}

type TwapOrderAction struct {
	Type string   `json:"type" msgpack:"type"`
	Twap TwapWire `json:"twap" msgpack:"twap"`
}

type TwapCancelAction struct {
	Type   string `json:"type" msgpack:"type"`
	Asset  int    `json:"a" msgpack:"a"`
	TwapID int64  `json:"t" msgpack:"t"`
}

// User-signed actions carry their business fields directly in the EIP-712
// message, so they are only ever JSON encoded; no msgpack hashing applies.

type ApproveBuilderFeeAction struct {
	Type             string `json:"type"`
	HyperliquidChain string `json:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId"`
	MaxFeeRate       string `json:"maxFeeRate"`
	Builder          string `json:"builder"`
	Nonce            uint64 `json:"nonce"`
}

type UsdSendAction struct {
	Type             string `json:"type"`
	HyperliquidChain string `json:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId"`
	Destination      string `json:"destination"`
	Amount           string `json:"amount"`
	Time             uint64 `json:"time"`
}

type WithdrawAction struct {
	Type             string `json:"type"`
	HyperliquidChain string `json:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId"`
	Destination      string `json:"destination"`
	Amount           string `json:"amount"`
	Time             uint64 `json:"time"`
}

type UsdClassTransferAction struct {
	Type             string `json:"type"`
	HyperliquidChain string `json:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId"`
	Amount           string `json:"amount"`
	ToPerp           bool   `json:"toPerp"`
	Nonce            uint64 `json:"nonce"`
}

// ExchangeResponse is the venue's reply envelope for /exchange submissions.
// On rejection the response member is a bare string carrying the reason.
type ExchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

func (r *ExchangeResponse) OK() bool {
	return r != nil && r.Status == "ok"
}

// ErrString extracts the venue's rejection reason, if any.
func (r *ExchangeResponse) ErrString() string {
	if r == nil || r.Status != "err" {
		return ""
	}
	var msg string
	if err := json.Unmarshal(r.Response, &msg); err == nil {
		return msg
	}
	return string(r.Response)
}
