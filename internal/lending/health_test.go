package lending

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/holdings/internal/domain"
)

var (
	ethMarket = domain.Market{
		ID:                        "aave-weth",
		Asset:                     domain.Asset{ID: "WETH", Decimals: 18},
		LTV:                       domain.MustMoney("0.8"),
		LiquidationThreshold:      domain.MustMoney("0.825"),
		LiquidationBonus:          domain.MustMoney("0.05"),
		EModeCategory:             1,
		EModeLTV:                  domain.MustMoney("0.93"),
		EModeLiquidationThreshold: domain.MustMoney("0.95"),
	}
	stethMarket = domain.Market{
		ID:                        "aave-wsteth",
		Asset:                     domain.Asset{ID: "wstETH", Decimals: 18},
		LTV:                       domain.MustMoney("0.7"),
		LiquidationThreshold:      domain.MustMoney("0.8"),
		EModeCategory:             1,
		EModeLTV:                  domain.MustMoney("0.93"),
		EModeLiquidationThreshold: domain.MustMoney("0.95"),
	}
	usdcMarket = domain.Market{
		ID:                   "aave-usdc",
		Asset:                domain.Asset{ID: "USDC", Decimals: 6},
		LTV:                  domain.MustMoney("0.75"),
		LiquidationThreshold: domain.MustMoney("0.78"),
		EModeCategory:        2,
	}
	arbMarket = domain.Market{
		ID:                   "aave-arb",
		Asset:                domain.Asset{ID: "ARB", Decimals: 18},
		LTV:                  domain.MustMoney("0.5"),
		LiquidationThreshold: domain.MustMoney("0.6"),
		IsolationEnabled:     true,
	}
	opMarket = domain.Market{
		ID:                   "aave-op",
		Asset:                domain.Asset{ID: "OP", Decimals: 18},
		LTV:                  domain.MustMoney("0.5"),
		LiquidationThreshold: domain.MustMoney("0.6"),
		IsolationEnabled:     true,
	}

	testMarkets = map[string]domain.Market{
		ethMarket.ID:   ethMarket,
		stethMarket.ID: stethMarket,
		usdcMarket.ID:  usdcMarket,
		arbMarket.ID:   arbMarket,
		opMarket.ID:    opMarket,
	}
	testPrices = domain.PriceBook{
		"WETH":   domain.MustMoney("2000"),
		"wstETH": domain.MustMoney("2300"),
		"USDC":   domain.MustMoney("1"),
		"ARB":    domain.MustMoney("1.2"),
		"OP":     domain.MustMoney("2.5"),
	}
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return e
}

func TestAssess_HealthFactor(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		name         string
		supplied     string
		debt         string
		expectedHF   string
		expectedBand Band
	}{
		// 10 WETH * 2000 * 0.825 = 16500 collateral.
		{name: "healthy", supplied: "10", debt: "10000", expectedHF: "1.65", expectedBand: BandHealthy},
		{name: "at risk", supplied: "10", debt: "15500", expectedHF: "1.064516129032258065", expectedBand: BandAtRisk},
		{name: "exactly at liquidation threshold is at risk", supplied: "10", debt: "16500", expectedHF: "1", expectedBand: BandAtRisk},
		{name: "liquidatable", supplied: "10", debt: "17000", expectedHF: "0.970588235294117647", expectedBand: BandLiquidatable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			positions := []domain.LendingPosition{
				{ID: "supply", MarketID: ethMarket.ID, Supplied: domain.MustMoney(tt.supplied), SuppliedAsCollateral: true, Mode: domain.StandardMode},
				{ID: "borrow", MarketID: usdcMarket.ID, VariableDebt: domain.MustMoney(tt.debt), Mode: domain.StandardMode},
			}
			report, err := e.Assess("acct", positions, testMarkets, testPrices)
			require.NoError(t, err)

			hf, ok := report.HealthFactor.Value()
			require.True(t, ok)
			assert.True(t, domain.MustMoney(tt.expectedHF).Equal(hf), "expected %s, got %s", tt.expectedHF, hf)
			assert.Equal(t, tt.expectedBand, report.Band)
			assert.Equal(t, "16500", report.TotalCollateralValue.String())
		})
	}
}

func TestAssess_StablecoinLoop(t *testing.T) {
	e := newEngine(t)
	usdc := usdcMarket
	usdc.LiquidationThreshold = domain.MustMoney("0.80")
	markets := map[string]domain.Market{usdc.ID: usdc}

	positions := []domain.LendingPosition{
		{ID: "supply", MarketID: usdc.ID, Supplied: domain.MustMoney("1000"), SuppliedAsCollateral: true, Mode: domain.StandardMode},
		{ID: "borrow", MarketID: usdc.ID, VariableDebt: domain.MustMoney("500"), Mode: domain.StandardMode},
	}
	report, err := e.Assess("acct", positions, markets, testPrices)
	require.NoError(t, err)

	hf, ok := report.HealthFactor.Value()
	require.True(t, ok)
	assert.Equal(t, "1.6", hf.String())
	assert.Equal(t, BandHealthy, report.Band)
}

func TestAssess_NoDebt(t *testing.T) {
	e := newEngine(t)
	positions := []domain.LendingPosition{
		{ID: "supply", MarketID: ethMarket.ID, Supplied: domain.MustMoney("1"), SuppliedAsCollateral: true, Mode: domain.StandardMode},
	}

	report, err := e.Assess("acct", positions, testMarkets, testPrices)
	require.NoError(t, err)
	assert.True(t, report.HealthFactor.IsNoDebt())
	assert.Equal(t, BandHealthy, report.Band)
	assert.Equal(t, "1600", report.AvailableToBorrow.String())

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"health_factor":"no_debt"`)

	var decoded Report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.HealthFactor.IsNoDebt())
}

func TestAssess_BorrowingPower(t *testing.T) {
	e := newEngine(t)
	positions := []domain.LendingPosition{
		{ID: "a", MarketID: ethMarket.ID, Supplied: domain.MustMoney("5"), SuppliedAsCollateral: true, Mode: domain.StandardMode},
		// Supplied but not enabled as collateral: counts as supply only.
		{ID: "b", MarketID: usdcMarket.ID, Supplied: domain.MustMoney("1000"), SuppliedAsCollateral: false, Mode: domain.StandardMode},
		{ID: "c", MarketID: usdcMarket.ID, VariableDebt: domain.MustMoney("3000"), StableDebt: domain.MustMoney("1000"), Mode: domain.StandardMode},
	}

	report, err := e.Assess("acct", positions, testMarkets, testPrices)
	require.NoError(t, err)
	assert.Equal(t, "11000", report.TotalSuppliedValue.String())
	assert.Equal(t, "8250", report.TotalCollateralValue.String())
	assert.Equal(t, "8000", report.BorrowingPower.String())
	assert.Equal(t, "4000", report.TotalDebtValue.String())
	assert.Equal(t, "4000", report.AvailableToBorrow.String())
	require.Len(t, report.Positions, 3)
	assert.Equal(t, "0.05", report.Positions[0].LiquidationBonus.String())
}

func TestAssess_EModeThresholds(t *testing.T) {
	e := newEngine(t)
	positions := []domain.LendingPosition{
		{ID: "a", MarketID: stethMarket.ID, Supplied: domain.MustMoney("10"), SuppliedAsCollateral: true, Mode: domain.EMode(1)},
		{ID: "b", MarketID: ethMarket.ID, VariableDebt: domain.MustMoney("10"), Mode: domain.EMode(1)},
	}

	report, err := e.Assess("acct", positions, testMarkets, testPrices)
	require.NoError(t, err)
	// 10 * 2300 * 0.95 = 21850 over 20000 debt.
	assert.Equal(t, "21850", report.TotalCollateralValue.String())
	hf, _ := report.HealthFactor.Value()
	assert.Equal(t, "1.0925", hf.String())
	assert.Equal(t, BandAtRisk, report.Band)
}

func TestAssess_MissingPrice(t *testing.T) {
	e := newEngine(t)
	positions := []domain.LendingPosition{
		{ID: "a", MarketID: ethMarket.ID, Supplied: domain.MustMoney("1"), SuppliedAsCollateral: true, Mode: domain.StandardMode},
	}

	_, err := e.Assess("acct", positions, testMarkets, domain.PriceBook{"USDC": domain.MustMoney("1")})
	assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))

	_, err = e.Assess("acct", []domain.LendingPosition{{ID: "x", MarketID: "nope", Supplied: domain.MustMoney("1")}}, testMarkets, testPrices)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAssess_SkipsClosedPositions(t *testing.T) {
	e := newEngine(t)
	positions := []domain.LendingPosition{
		{ID: "gone", MarketID: "unknown-market", Closed: true},
	}
	report, err := e.Assess("acct", positions, testMarkets, domain.PriceBook{})
	require.NoError(t, err)
	assert.True(t, report.HealthFactor.IsNoDebt())
	assert.Empty(t, report.Positions)
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(Config{LiquidatableBelow: domain.Zero, AtRiskBelow: domain.MustMoney("1.1")})
	assert.Error(t, err)
	_, err = NewEngine(Config{LiquidatableBelow: domain.MustMoney("1.2"), AtRiskBelow: domain.MustMoney("1.1")})
	assert.Error(t, err)
}
