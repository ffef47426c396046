package hl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticMeta struct {
	meta Meta
}

func (s *staticMeta) Meta(ctx context.Context) (*Meta, error) {
	return &s.meta, nil
}

func testCatalog() *AssetCatalog {
	return NewAssetCatalog(&staticMeta{meta: Meta{Universe: []AssetMeta{
		{Name: "BTC", SzDecimals: 5, MaxLeverage: 40},
		{Name: "ETH", SzDecimals: 4, MaxLeverage: 25},
	}}})
}

func TestAssetCatalogResolve(t *testing.T) {
	t.Parallel()

	catalog := testCatalog()
	ctx := context.Background()

	eth, err := catalog.Resolve(ctx, "ETH")
	require.NoError(t, err)
	require.Equal(t, 1, eth.AssetID)
	require.Equal(t, 4, eth.SizeDecimals)

	_, err = catalog.Resolve(ctx, "DOGE")
	require.Error(t, err)

	_, err = catalog.Resolve(ctx, "")
	require.Error(t, err)
}

func TestFloatToWire(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   float64
		want string
	}{
		{in: 0, want: "0"},
		{in: 1, want: "1"},
		{in: 2000.5, want: "2000.5"},
		{in: 0.2500, want: "0.25"},
		{in: 1234.10, want: "1234.1"},
		{in: 0.0001, want: "0.0001"},
	} {
		require.Equal(t, tc.want, FloatToWire(tc.in), "input %v", tc.in)
	}
}

func TestRoundPriceSignificantFigures(t *testing.T) {
	t.Parallel()

	c := CoinConstraints{PriceSigFigs: 5}

	require.InDelta(t, 12345, c.RoundPrice(12345.678), 1e-9)
	require.InDelta(t, 1234.6, c.RoundPrice(1234.5678), 1e-9)
	require.InDelta(t, 0.0012346, c.RoundPrice(0.00123456), 1e-12)
	require.InDelta(t, 0.0, c.RoundPrice(0), 1e-12)
}

func TestRoundSize(t *testing.T) {
	t.Parallel()

	c := CoinConstraints{SizeStep: 0.0001, SizeDecimals: 4}
	require.InDelta(t, 0.1235, c.RoundSize(0.12345), 1e-9)
	require.InDelta(t, 2, c.RoundSize(2.00004), 1e-9)
}

func TestSlippagePriceDirection(t *testing.T) {
	t.Parallel()

	// a buy pays up, a sell gives way
	require.InDelta(t, 101, SlippagePrice(100, true, 0.01), 1e-9)
	require.InDelta(t, 99, SlippagePrice(100, false, 0.01), 1e-9)
}
