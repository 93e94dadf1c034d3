package liquidity

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/holdings/internal/domain"
)

func TestSqrtPriceAtTick(t *testing.T) {
	tests := []struct {
		tick     int32
		expected string
	}{
		{tick: domain.MinTick, expected: "4295128739"},
		{tick: domain.MaxTick, expected: "1461446703485210103287273052203988822378723970342"},
		{tick: 0, expected: "79228162514264337593543950336"},
		{tick: 1, expected: "79232123823359799118286999568"},
		{tick: -1, expected: "79224201403219477170569942574"},
		{tick: 60, expected: "79466191966197645195421774833"},
		{tick: -60, expected: "78990846045029531151608375686"},
		{tick: 202919, expected: "2018317010999599141479991542265040"},
		{tick: -202919, expected: "3110067299228608374846862"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got, err := SqrtPriceAtTick(tt.tick)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.Dec())
		})
	}

	_, err := SqrtPriceAtTick(domain.MaxTick + 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidPositionRange))
	_, err = SqrtPriceAtTick(domain.MinTick - 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidPositionRange))
}

func TestSqrtPriceAtTick_Monotonic(t *testing.T) {
	prev, err := SqrtPriceAtTick(-1000)
	require.NoError(t, err)
	for tick := int32(-999); tick <= 1000; tick++ {
		cur, err := SqrtPriceAtTick(tick)
		require.NoError(t, err)
		require.True(t, prev.Lt(cur), "tick %d", tick)
		prev = cur
	}
}

func TestTickAtSqrtPrice(t *testing.T) {
	tick, err := TickAtSqrtPrice(MinSqrtPrice)
	require.NoError(t, err)
	assert.Equal(t, domain.MinTick, tick)

	almostMax := new(uint256.Int).SubUint64(MaxSqrtPrice, 1)
	tick, err = TickAtSqrtPrice(almostMax)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxTick-1, tick)

	at100, err := SqrtPriceAtTick(100)
	require.NoError(t, err)
	tick, err = TickAtSqrtPrice(at100)
	require.NoError(t, err)
	assert.Equal(t, int32(100), tick)

	tick, err = TickAtSqrtPrice(new(uint256.Int).SubUint64(at100, 1))
	require.NoError(t, err)
	assert.Equal(t, int32(99), tick)

	_, err = TickAtSqrtPrice(MaxSqrtPrice)
	assert.Error(t, err)
	_, err = TickAtSqrtPrice(uint256.NewInt(1))
	assert.Error(t, err)
}

func TestPriceAtTick(t *testing.T) {
	p, err := PriceAtTick(0, 18, 18)
	require.NoError(t, err)
	assert.Equal(t, "1", p.String())

	p, err = PriceAtTick(1, 18, 18)
	require.NoError(t, err)
	assert.Equal(t, "1.000100000000000000000000000016", p.String())
}

func TestTickAtPrice(t *testing.T) {
	tests := []struct {
		name      string
		price     string
		decimals0 int32
		decimals1 int32
		expected  int32
	}{
		// USDC (6) / WETH (18) with ETH at 2000 USDC.
		{name: "usdc-weth", price: "0.0005", decimals0: 6, decimals1: 18, expected: 200311},
		// WETH (18) / USDC (6).
		{name: "weth-usdc", price: "2000", decimals0: 18, decimals1: 6, expected: -200312},
		{name: "parity", price: "1", decimals0: 18, decimals1: 18, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := domain.MustMoney(tt.price)
			tick, err := TickAtPrice(price, tt.decimals0, tt.decimals1)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tick)

			lo, err := PriceAtTick(tick, tt.decimals0, tt.decimals1)
			require.NoError(t, err)
			hi, err := PriceAtTick(tick+1, tt.decimals0, tt.decimals1)
			require.NoError(t, err)
			assert.True(t, lo.LessThanOrEqual(price))
			assert.True(t, price.LessThan(hi))
		})
	}

	_, err := TickAtPrice(domain.Zero, 18, 18)
	assert.True(t, errors.Is(err, domain.ErrInvalidAmount))
}
