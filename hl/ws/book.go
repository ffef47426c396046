package ws

import "strconv"

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// BookSnapshot is a full depth update. Levels holds bids at index 0 and asks
// at index 1, each sorted best-first by the venue.
type BookSnapshot struct {
	Coin   string         `json:"coin"`
	Time   int64          `json:"time"`
	Levels [2][]BookLevel `json:"levels"`
}

func (b BookSnapshot) Bids() []BookLevel {
	return b.Levels[0]
}

func (b BookSnapshot) Asks() []BookLevel {
	return b.Levels[1]
}

// CumulativeLevel is a book level annotated with the running size total from
// the top of its side, the quantity a depth chart plots.
type CumulativeLevel struct {
	BookLevel
	Total float64
}

// CumulativeTotals computes running totals for one side, preserving level
// order. Unparseable sizes contribute zero rather than poisoning the rest of
// the side.
func CumulativeTotals(levels []BookLevel) []CumulativeLevel {
	out := make([]CumulativeLevel, 0, len(levels))
	total := 0.0
	for _, level := range levels {
		if sz, err := strconv.ParseFloat(level.Sz, 64); err == nil {
			total += sz
		}
		out = append(out, CumulativeLevel{BookLevel: level, Total: total})
	}
	return out
}

// TradeTick is one public trade.
type TradeTick struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Tid  int64  `json:"tid"`
}

// CandleTick is one interval candle update.
type CandleTick struct {
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

// AllMids carries the venue-wide mid price map.
type AllMids struct {
	Mids map[string]string `json:"mids"`
}
