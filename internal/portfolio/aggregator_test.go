package portfolio

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/liquidity"
)

var (
	asOf = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	btc   = domain.Asset{ID: "BTC", Decimals: 8, Class: domain.AssetClassNative}
	eth   = domain.Asset{ID: "ETH", Decimals: 18, Class: domain.AssetClassNative}
	weth  = domain.Asset{ID: "WETH", Decimals: 18, Class: domain.AssetClassWrapped, Underlying: "ETH"}
	usdc  = domain.Asset{ID: "USDC", Decimals: 6, Class: domain.AssetClassStandard}
	pepe  = domain.Asset{ID: "PEPE", Decimals: 18, Class: domain.AssetClassStandard}
	pool  = domain.Pool{ID: "pool-usdc-weth", Token0: usdc, Token1: weth, FeeTier: 500, TickSpacing: 10}
	usdcM = domain.Market{ID: "aave-usdc", Asset: usdc, LTV: domain.MustMoney("0.75"), LiquidationThreshold: domain.MustMoney("0.8")}
	ethM  = domain.Market{ID: "aave-eth", Asset: eth, LTV: domain.MustMoney("0.8"), LiquidationThreshold: domain.MustMoney("0.825")}
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a, err := NewAggregator("usd")
	require.NoError(t, err)
	return a
}

func balance(asset domain.Asset, qty string, source domain.SourceKind, sourceID string) domain.SpotBalance {
	return domain.SpotBalance{Account: "acct", Asset: asset, Quantity: domain.MustMoney(qty), Source: source, SourceID: sourceID, ObservedAt: asOf}
}

func TestBuildSnapshot_Spot(t *testing.T) {
	a := newAggregator(t)
	h := Holdings{
		Account: "acct",
		Balances: []domain.SpotBalance{
			balance(btc, "0.5", domain.SourceExchange, "binance"),
			balance(btc, "0.25", domain.SourceWallet, ""),
			balance(usdc, "100.005", domain.SourceWallet, ""),
		},
	}
	market := domain.MarketData{Prices: domain.PriceBook{"BTC": domain.MustMoney("60000.123"), "USDC": domain.MustMoney("1")}}

	snap, err := a.BuildSnapshot(h, asOf, market)
	require.NoError(t, err)

	assert.Equal(t, "USD", snap.ReportingCurrency)
	// 0.5 * 60000.123 = 30000.0615 -> 30000.06; 0.25 * 60000.123 = 15000.03075 -> 15000.03;
	// 100.005 -> 100.00 (half-even).
	assert.Equal(t, "45100.09", snap.TotalValue.String())
	assert.Equal(t, "45100.09", snap.BySource[domain.SnapshotSpot].String())
	assert.True(t, snap.BySource[domain.SnapshotLending].IsZero())
	require.Len(t, snap.ByAsset, 2)
	assert.Equal(t, "0.75", snap.ByAsset[0].Quantity.String())
	assert.Empty(t, snap.Unavailable)
}

func TestBuildSnapshot_MissingPriceIsFlagged(t *testing.T) {
	a := newAggregator(t)
	h := Holdings{
		Account: "acct",
		Balances: []domain.SpotBalance{
			balance(btc, "1", domain.SourceWallet, ""),
			balance(pepe, "1000000", domain.SourceWallet, ""),
		},
	}
	market := domain.MarketData{Prices: domain.PriceBook{"BTC": domain.MustMoney("50000")}}

	snap, err := a.BuildSnapshot(h, asOf, market)
	require.NoError(t, err)
	assert.Equal(t, "50000", snap.TotalValue.String())
	assert.Equal(t, []string{"PEPE"}, snap.Unavailable)

	var flagged int
	for _, l := range snap.Lines {
		if l.PriceUnavailable {
			flagged++
			assert.Equal(t, "PEPE", l.Asset.ID)
			assert.True(t, l.Value.IsZero())
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestBuildSnapshot_WrappedFallsBackToUnderlying(t *testing.T) {
	a := newAggregator(t)
	h := Holdings{Account: "acct", Balances: []domain.SpotBalance{balance(weth, "2", domain.SourceWallet, "")}}
	market := domain.MarketData{Prices: domain.PriceBook{"ETH": domain.MustMoney("3000")}}

	snap, err := a.BuildSnapshot(h, asOf, market)
	require.NoError(t, err)
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "ETH", snap.Lines[0].PricedVia)
	assert.Equal(t, "6000", snap.TotalValue.String())
}

func TestBuildSnapshot_Lending(t *testing.T) {
	a := newAggregator(t)
	h := Holdings{
		Account: "acct",
		LendingPositions: []domain.LendingPosition{
			{ID: "l1", MarketID: ethM.ID, Supplied: domain.MustMoney("2"), SuppliedAsCollateral: true, Mode: domain.StandardMode},
			{ID: "l2", MarketID: usdcM.ID, VariableDebt: domain.MustMoney("1500"), StableDebt: domain.MustMoney("500"), Mode: domain.StandardMode},
			{ID: "l3", MarketID: "retired-market", Closed: true},
		},
		Markets: map[string]domain.Market{ethM.ID: ethM, usdcM.ID: usdcM},
	}
	market := domain.MarketData{Prices: domain.PriceBook{"ETH": domain.MustMoney("3000"), "USDC": domain.MustMoney("1")}}

	snap, err := a.BuildSnapshot(h, asOf, market)
	require.NoError(t, err)
	// 2 * 3000 supplied - 2000 debt.
	assert.Equal(t, "4000", snap.BySource[domain.SnapshotLending].String())
	assert.Equal(t, "4000", snap.TotalValue.String())

	_, err = a.BuildSnapshot(Holdings{LendingPositions: h.LendingPositions[:1]}, asOf, market)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestBuildSnapshot_LendingEquityIsMarketValue(t *testing.T) {
	a := newAggregator(t)
	h := Holdings{
		Account: "acct",
		LendingPositions: []domain.LendingPosition{
			{ID: "collateral", MarketID: ethM.ID, Supplied: domain.MustMoney("2"), SuppliedAsCollateral: true, Mode: domain.StandardMode},
			{ID: "deposit", MarketID: usdcM.ID, Supplied: domain.MustMoney("1000"), Mode: domain.StandardMode},
			{ID: "loan", MarketID: usdcM.ID, VariableDebt: domain.MustMoney("500"), Mode: domain.StandardMode},
		},
		Markets: map[string]domain.Market{ethM.ID: ethM, usdcM.ID: usdcM},
	}
	market := domain.MarketData{Prices: domain.PriceBook{"ETH": domain.MustMoney("3000"), "USDC": domain.MustMoney("1")}}

	snap, err := a.BuildSnapshot(h, asOf, market)
	require.NoError(t, err)
	// Supply counts at full market value whether or not it is collateral and
	// without the liquidation threshold weighting: 6000 + 1000 - 500.
	assert.Equal(t, "6500", snap.BySource[domain.SnapshotLending].String())
	assert.Equal(t, "6500", snap.TotalValue.String())
}

func TestBuildSnapshot_Liquidity(t *testing.T) {
	a := newAggregator(t)

	// ETH at 2000 USDC: price of token0 (USDC) in token1 (WETH) is 0.0005.
	pos, err := liquidity.NewPositionFromPrices("lp1", "acct", pool, domain.MustMoney("0.0004"), domain.MustMoney("0.0006"),
		mustU256(t, "1000000000000000"), asOf)
	require.NoError(t, err)

	sqrt, err := liquidity.PriceToSqrtPrice(domain.MustMoney("0.0005"), usdc.Decimals, weth.Decimals)
	require.NoError(t, err)
	tick, err := liquidity.TickAtSqrtPrice(sqrt)
	require.NoError(t, err)

	h := Holdings{
		Account:            "acct",
		LiquidityPositions: []domain.LiquidityPosition{pos},
		Pools:              map[string]domain.Pool{pool.ID: pool},
	}

	t.Run("valued with pool state", func(t *testing.T) {
		market := domain.MarketData{
			Prices: domain.PriceBook{"USDC": domain.MustMoney("1"), "ETH": domain.MustMoney("2000")},
			Pools:  map[string]domain.PoolState{pool.ID: {PoolID: pool.ID, SqrtPriceX96: domain.U256(sqrt), Tick: tick}},
		}
		snap, err := a.BuildSnapshot(h, asOf, market)
		require.NoError(t, err)

		require.Len(t, snap.Lines, 2)
		assert.Equal(t, "USDC", snap.Lines[0].Asset.ID)
		assert.Equal(t, "WETH", snap.Lines[1].Asset.ID)
		assert.True(t, snap.Lines[0].Quantity.IsPositive())
		assert.True(t, snap.Lines[1].Quantity.IsPositive())
		assert.Equal(t, "ETH", snap.Lines[1].PricedVia)
		assert.True(t, snap.BySource[domain.SnapshotLiquidity].IsPositive())
		assert.True(t, snap.TotalValue.Equal(snap.BySource[domain.SnapshotLiquidity]))
	})

	t.Run("missing pool state flags both tokens", func(t *testing.T) {
		market := domain.MarketData{Prices: domain.PriceBook{"USDC": domain.MustMoney("1"), "ETH": domain.MustMoney("2000")}}
		snap, err := a.BuildSnapshot(h, asOf, market)
		require.NoError(t, err)
		assert.Equal(t, []string{"USDC", "WETH"}, snap.Unavailable)
		assert.True(t, snap.TotalValue.IsZero())
	})

	t.Run("closed positions are skipped", func(t *testing.T) {
		closed := pos
		closed.Closed = true
		snap, err := a.BuildSnapshot(Holdings{LiquidityPositions: []domain.LiquidityPosition{closed}}, asOf, domain.MarketData{})
		require.NoError(t, err)
		assert.Empty(t, snap.Lines)
	})
}

func TestNewAggregator_UnknownCurrency(t *testing.T) {
	_, err := NewAggregator("XXXX")
	assert.Error(t, err)
}

func TestDisplay(t *testing.T) {
	a := newAggregator(t)
	assert.Equal(t, "$1,234.56", a.Display(domain.MustMoney("1234.565")))
}

func mustU256(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	require.NoError(t, err)
	return v
}
