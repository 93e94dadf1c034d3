package liquidity

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/holdings/internal/domain"
)

func mustSqrt(t *testing.T, tick int32) *uint256.Int {
	t.Helper()
	v, err := SqrtPriceAtTick(tick)
	require.NoError(t, err)
	return v
}

func TestStatusAtTick(t *testing.T) {
	assert.Equal(t, BelowRange, StatusAtTick(-61, -60, 60))
	assert.Equal(t, InRange, StatusAtTick(-60, -60, 60))
	assert.Equal(t, InRange, StatusAtTick(59, -60, 60))
	assert.Equal(t, AboveRange, StatusAtTick(60, -60, 60))
}

func TestAmountsForLiquidity(t *testing.T) {
	liquidity := uint256.NewInt(1_000_000_000_000_000_000)
	lower, upper := mustSqrt(t, -60), mustSqrt(t, 60)

	tests := []struct {
		name    string
		tick    int32
		amount0 string
		amount1 string
	}{
		{name: "below range holds only token0", tick: -120, amount0: "5999709018652706", amount1: "0"},
		{name: "at lower bound holds only token0", tick: -60, amount0: "5999709018652706", amount1: "0"},
		{name: "in range holds both", tick: 0, amount0: "2995354955910780", amount1: "2995354955910780"},
		{name: "at upper bound holds only token1", tick: 60, amount0: "0", amount1: "5999709018652706"},
		{name: "above range holds only token1", tick: 120, amount0: "0", amount1: "5999709018652706"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a0, a1, err := AmountsForLiquidity(mustSqrt(t, tt.tick), lower, upper, liquidity)
			require.NoError(t, err)
			assert.Equal(t, tt.amount0, a0.Dec())
			assert.Equal(t, tt.amount1, a1.Dec())
		})
	}
}

func TestAmountsForLiquidity_ZeroLiquidity(t *testing.T) {
	a0, a1, err := AmountsForLiquidity(mustSqrt(t, 0), mustSqrt(t, -60), mustSqrt(t, 60), new(uint256.Int))
	require.NoError(t, err)
	assert.True(t, a0.IsZero())
	assert.True(t, a1.IsZero())
}

func TestAmountsForLiquidity_Errors(t *testing.T) {
	_, _, err := AmountsForLiquidity(mustSqrt(t, 0), mustSqrt(t, 60), mustSqrt(t, 60), uint256.NewInt(1))
	assert.True(t, errors.Is(err, domain.ErrInvalidPositionRange))

	tooBig := new(uint256.Int).Lsh(uint256.NewInt(1), 129)
	_, _, err = AmountsForLiquidity(mustSqrt(t, 0), mustSqrt(t, -60), mustSqrt(t, 60), tooBig)
	assert.True(t, errors.Is(err, domain.ErrInvalidAmount))
}

func TestLiquidityForAmounts_RoundTrip(t *testing.T) {
	lower, upper := mustSqrt(t, -600), mustSqrt(t, 600)

	for _, tick := range []int32{-1200, -600, -1, 0, 300, 599, 600, 1200} {
		liquidity := uint256.MustFromDecimal("123456789012345678901")
		price := mustSqrt(t, tick)

		a0, a1, err := AmountsForLiquidity(price, lower, upper, liquidity)
		require.NoError(t, err)

		back, err := LiquidityForAmounts(price, lower, upper, a0, a1)
		require.NoError(t, err)

		// Amounts round down, so the recovered liquidity never exceeds the
		// original and the amounts it implies never exceed what was supplied.
		assert.True(t, !back.Gt(liquidity), "tick %d: %s > %s", tick, back.Dec(), liquidity.Dec())
		diff := new(uint256.Int).Sub(liquidity, back)
		tolerance := new(uint256.Int).Div(liquidity, uint256.NewInt(1_000_000_000))
		assert.True(t, !diff.Gt(tolerance), "tick %d: lost %s", tick, diff.Dec())

		b0, b1, err := AmountsForLiquidity(price, lower, upper, back)
		require.NoError(t, err)
		assert.True(t, !b0.Gt(a0))
		assert.True(t, !b1.Gt(a1))
	}
}

func TestLiquidityForAmounts_Known(t *testing.T) {
	lower, upper := mustSqrt(t, -60), mustSqrt(t, 60)
	a0, _ := uint256.FromDecimal("2995354955910780")
	a1, _ := uint256.FromDecimal("2995354955910780")

	l, err := LiquidityForAmounts(mustSqrt(t, 0), lower, upper, a0, a1)
	require.NoError(t, err)
	assert.Equal(t, "999999999999999686", l.Dec())
}

func TestNewPositionFromPrices(t *testing.T) {
	pool := domain.Pool{
		ID:          "pool",
		Token0:      domain.Asset{ID: "WETH", Decimals: 18},
		Token1:      domain.Asset{ID: "USDC", Decimals: 6},
		TickSpacing: 10,
	}

	pos, err := NewPositionFromPrices("p1", "acct", pool, domain.MustMoney("1500"), domain.MustMoney("2500"), uint256.NewInt(1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int32(0), pos.TickLower%10)
	assert.Equal(t, int32(0), pos.TickUpper%10)

	lo, hi, err := PriceRange(pool, pos)
	require.NoError(t, err)
	assert.True(t, lo.LessThanOrEqual(domain.MustMoney("1500")))
	assert.True(t, hi.GreaterThanOrEqual(domain.MustMoney("2500")))

	_, err = NewPositionFromPrices("p2", "acct", pool, domain.MustMoney("2500"), domain.MustMoney("1500"), uint256.NewInt(1), time.Now())
	assert.True(t, errors.Is(err, domain.ErrInvalidPositionRange))
}

func TestFloorTick(t *testing.T) {
	assert.Equal(t, int32(-20), floorTick(-15, 10))
	assert.Equal(t, int32(-10), floorTick(-10, 10))
	assert.Equal(t, int32(10), floorTick(15, 10))
}
