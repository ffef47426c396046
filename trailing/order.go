package trailing

// Side is the direction of the exit a trailing stop protects.
type Side string

const (
	// SideSell exits a long: the stop tracks the peak price and triggers on
	// a drop.
	SideSell Side = "sell"
	// SideBuy exits a short: the stop tracks the trough price and triggers
	// on a rise.
	SideBuy Side = "buy"
)

// TrailType selects how the trail distance is expressed.
type TrailType string

const (
	TrailPercent TrailType = "percent"
	TrailPrice   TrailType = "price"
)

// Status is an order's lifecycle state. Active orders track price; the other
// three states are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s != StatusActive
}

// Order is a client-resident trailing stop. It never rests on the venue's
// book: the engine watches prices locally and submits a market order at
// trigger time.
//
// Sizes, trail values and prices are kept as venue wire strings or raw
// floats exactly as observed; the engine does no rounding of its own.
type Order struct {
	ID         string    `json:"id"`
	Coin       string    `json:"coin"`
	Side       Side      `json:"side"`
	Size       string    `json:"size"`
	TrailType  TrailType `json:"trailType"`
	TrailValue string    `json:"trailValue"`
	ReduceOnly bool      `json:"reduceOnly"`
	Status     Status    `json:"status"`

	// Watermarks start nil and are established by the first observation.
	// A sell stop maintains HighestPrice and it never decreases; a buy stop
	// maintains LowestPrice and it never increases. TriggerPrice is the
	// threshold computed from the watermark and trail, refreshed on every
	// observation; at trigger time it becomes the market-order reference.
	HighestPrice *float64 `json:"highestPrice,omitempty"`
	LowestPrice  *float64 `json:"lowestPrice,omitempty"`
	TriggerPrice *float64 `json:"triggerPrice,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

// TrackResult reports what a price observation did to an order.
type TrackResult struct {
	OrderID   string
	Triggered bool
	// Watermark is the tracked extreme after the observation.
	Watermark float64
	// TriggerPrice is the threshold computed from that watermark.
	TriggerPrice float64
}
