// Package liquidity implements concentrated-liquidity pool math: tick and price
// conversion, token amounts of a position, the inverse liquidity computation
// and fee accrual. All math is exact integer Q64.96/X128 arithmetic; results
// are converted to domain.Money only at the edges.
package liquidity

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/holdings/internal/domain"
)

var (
	// Q96 is 2^96, the fixed-point unit of sqrt prices.
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	// Q128 is 2^128, the fixed-point unit of fee growth.
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	// MinSqrtPrice is SqrtPriceAtTick(MinTick).
	MinSqrtPrice = uint256.NewInt(4295128739)
	// MaxSqrtPrice is SqrtPriceAtTick(MaxTick).
	MaxSqrtPrice = uint256.MustFromDecimal("1461446703485210103287273052203988822378723970342")

	maxUint256 = new(uint256.Int).SetAllOne()
	maxUint128 = new(uint256.Int).Sub(Q128, uint256.NewInt(1))

	// ratioOddTick is 1/sqrt(1.0001) in Q128.
	ratioOddTick = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")

	// tickRatios[i] is 1/sqrt(1.0001)^(2^(i+1)) in Q128.
	tickRatios = []*uint256.Int{
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
)

// SqrtPriceAtTick returns sqrt(1.0001^tick) as a Q64.96 number, rounded up,
// bit-for-bit identical to the on-chain TickMath library.
func SqrtPriceAtTick(tick int32) (*uint256.Int, error) {
	if tick < domain.MinTick || tick > domain.MaxTick {
		return nil, errors.Wrapf(domain.ErrInvalidPositionRange, "tick %d outside [%d, %d]", tick, domain.MinTick, domain.MaxTick)
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(uint256.Int)
	if absTick&0x1 != 0 {
		ratio.Set(ratioOddTick)
	} else {
		ratio.Set(Q128)
	}
	for i, c := range tickRatios {
		if absTick&(uint32(1)<<(i+1)) != 0 {
			ratio.Mul(ratio, c)
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 to Q64.96, rounding up.
	rem := new(uint256.Int).And(ratio, uint256.NewInt(0xffffffff))
	sqrtPrice := new(uint256.Int).Rsh(ratio, 32)
	if !rem.IsZero() {
		sqrtPrice.AddUint64(sqrtPrice, 1)
	}
	return sqrtPrice, nil
}

// TickAtSqrtPrice returns the greatest tick whose sqrt price is at most sqrtPrice.
func TickAtSqrtPrice(sqrtPrice *uint256.Int) (int32, error) {
	if sqrtPrice.Lt(MinSqrtPrice) || !sqrtPrice.Lt(MaxSqrtPrice) {
		return 0, errors.Wrapf(domain.ErrInvalidAmount, "sqrt price %s outside [%s, %s)", sqrtPrice.Dec(), MinSqrtPrice.Dec(), MaxSqrtPrice.Dec())
	}

	lo, hi := domain.MinTick, domain.MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		atMid, err := SqrtPriceAtTick(mid)
		if err != nil {
			return 0, err
		}
		if atMid.Cmp(sqrtPrice) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// SqrtPriceToPrice converts a Q64.96 sqrt price to a human price of token0
// in token1 units, rounded half-even to domain.PriceScale.
func SqrtPriceToPrice(sqrtPrice *uint256.Int, decimals0, decimals1 int32) domain.Money {
	sp := sqrtPrice.ToBig()
	num := new(big.Int).Mul(sp, sp)
	den := new(big.Int).Lsh(big.NewInt(1), 192)

	shift := decimals0 - decimals1
	if shift > 0 {
		num.Mul(num, pow10(shift))
	} else if shift < 0 {
		den.Mul(den, pow10(-shift))
	}

	return domain.NewMoney(decimal.NewFromBigInt(num, 0)).
		DivRound(domain.NewMoney(decimal.NewFromBigInt(den, 0)), domain.PriceScale)
}

// PriceAtTick returns the human price (token1 per token0) at tick.
func PriceAtTick(tick int32, decimals0, decimals1 int32) (domain.Money, error) {
	sp, err := SqrtPriceAtTick(tick)
	if err != nil {
		return domain.Zero, err
	}
	return SqrtPriceToPrice(sp, decimals0, decimals1), nil
}

// PriceToSqrtPrice converts a human price (token1 per token0) to Q64.96, rounded down.
func PriceToSqrtPrice(price domain.Money, decimals0, decimals1 int32) (*uint256.Int, error) {
	if !price.IsPositive() {
		return nil, errors.Wrapf(domain.ErrInvalidAmount, "price must be positive, got %s", price)
	}

	d := price.Decimal()
	exp := d.Exponent() + decimals1 - decimals0

	// raw = coefficient * 10^exp; sqrtPrice = isqrt(raw * 2^192).
	x := new(big.Int).Lsh(d.Coefficient(), 192)
	if exp >= 0 {
		x.Mul(x, pow10(exp))
	} else {
		x.Quo(x, pow10(-exp))
	}
	x.Sqrt(x)

	sp, overflow := uint256.FromBig(x)
	if overflow {
		return nil, errors.Wrapf(domain.ErrInvalidAmount, "price %s out of range", price)
	}
	return sp, nil
}

// TickAtPrice returns the greatest tick whose price is at most price.
func TickAtPrice(price domain.Money, decimals0, decimals1 int32) (int32, error) {
	sp, err := PriceToSqrtPrice(price, decimals0, decimals1)
	if err != nil {
		return 0, err
	}
	if sp.Lt(MinSqrtPrice) {
		return domain.MinTick, nil
	}
	if !sp.Lt(MaxSqrtPrice) {
		return domain.MaxTick, nil
	}
	return TickAtSqrtPrice(sp)
}

func pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
