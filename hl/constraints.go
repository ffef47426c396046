package hl

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// DefaultSlippage is the relative price allowance applied to market orders
// when the caller does not supply one.
const DefaultSlippage = 0.01

// CoinConstraints captures per-coin rounding requirements for submissions.
type CoinConstraints struct {
	Coin         string
	AssetID      int
	SizeDecimals int
	SizeStep     float64
	PriceSigFigs int
}

// RoundSize snaps the provided size to the nearest allowed lot increment.
func (c CoinConstraints) RoundSize(size float64) float64 {
	if c.SizeStep <= 0 {
		return size
	}
	return math.Round(size/c.SizeStep) * c.SizeStep
}

// RoundPrice applies the venue's significant-figure rounding to the price.
func (c CoinConstraints) RoundPrice(price float64) float64 {
	sig := c.PriceSigFigs
	if sig <= 0 {
		sig = 5
	}
	return roundToSignificantFigures(price, sig)
}

// MetaProvider describes the subset of Info used for metadata discovery.
type MetaProvider interface {
	Meta(ctx context.Context) (*Meta, error)
}

// AssetCatalog resolves coin names to numeric asset ids and rounding
// metadata, fetching the universe once and keeping it hot for callers.
type AssetCatalog struct {
	info MetaProvider

	once sync.Once
	mu   sync.RWMutex
	// coin name (e.g. ETH) -> universe index and size decimals
	assets map[string]AssetMeta
	ids    map[string]int
	err    error
}

// NewAssetCatalog builds a catalog backed by the provided Info client.
func NewAssetCatalog(info MetaProvider) *AssetCatalog {
	return &AssetCatalog{
		info:   info,
		assets: make(map[string]AssetMeta),
		ids:    make(map[string]int),
	}
}

// Resolve returns the constraints for a coin, loading venue metadata on the
// first call.
func (a *AssetCatalog) Resolve(ctx context.Context, coin string) (CoinConstraints, error) {
	if coin == "" {
		return CoinConstraints{}, fmt.Errorf("coin is required")
	}

	if err := a.ensureLoaded(ctx); err != nil {
		return CoinConstraints{}, err
	}

	a.mu.RLock()
	asset, ok := a.assets[coin]
	id := a.ids[coin]
	a.mu.RUnlock()
	if !ok {
		return CoinConstraints{}, fmt.Errorf("unknown hyperliquid coin %q", coin)
	}

	return CoinConstraints{
		Coin:         coin,
		AssetID:      id,
		SizeDecimals: asset.SzDecimals,
		SizeStep:     math.Pow10(-asset.SzDecimals),
		PriceSigFigs: 5,
	}, nil
}

// AssetID resolves just the numeric id the venue uses in action payloads.
func (a *AssetCatalog) AssetID(ctx context.Context, coin string) (int, error) {
	constraints, err := a.Resolve(ctx, coin)
	if err != nil {
		return 0, err
	}
	return constraints.AssetID, nil
}

func (a *AssetCatalog) ensureLoaded(ctx context.Context) error {
	a.once.Do(func() {
		meta, err := a.info.Meta(ctx)
		if err != nil {
			a.err = fmt.Errorf("could not load asset universe: %w", err)
			return
		}
		a.mu.Lock()
		for idx, asset := range meta.Universe {
			a.assets[asset.Name] = asset
			a.ids[asset.Name] = idx
		}
		a.mu.Unlock()
	})
	return a.err
}

// FloatToWire renders a float the way the venue expects: fixed notation with
// trailing zeros trimmed, never scientific, "0" for zero.
func FloatToWire(value float64) string {
	s := strconv.FormatFloat(value, 'f', -1, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-0" {
		return "0"
	}
	return s
}

func parseWireFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// SlippagePrice moves a reference price in the direction that guarantees an
// immediate-or-cancel order crosses the book: up for buys, down for sells.
func SlippagePrice(price float64, isBuy bool, slippage float64) float64 {
	if isBuy {
		return price * (1 + slippage)
	}
	return price * (1 - slippage)
}

func roundToSignificantFigures(price float64, sigFigs int) float64 {
	if sigFigs <= 0 {
		return price
	}
	if price == 0 {
		return 0
	}

	absPrice := math.Abs(price)
	integerPart := math.Floor(absPrice)

	numIntegerDigits := 0
	if integerPart > 0 {
		temp := int(integerPart)
		for temp > 0 {
			temp /= 10
			numIntegerDigits++
		}

		if numIntegerDigits >= sigFigs {
			return math.Copysign(integerPart, price)
		}

		sigFigsLeft := sigFigs - numIntegerDigits
		rounded := roundToDecimals(absPrice, sigFigsLeft)
		return math.Copysign(rounded, price)
	}

	multiplications := 0
	for absPrice < 1 {
		absPrice *= 10
		multiplications++
	}

	rounded := roundToDecimals(absPrice, sigFigs-1)
	return math.Copysign(rounded/math.Pow(10, float64(multiplications)), price)
}

func roundToDecimals(value float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(value*pow) / pow
}
