package liquidity

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// RangeStatus places the current price relative to a position range.
type RangeStatus string

const (
	BelowRange RangeStatus = "below_range"
	InRange    RangeStatus = "in_range"
	AboveRange RangeStatus = "above_range"
)

// StatusAtTick is in-range iff lower <= current < upper.
func StatusAtTick(current, lower, upper int32) RangeStatus {
	switch {
	case current < lower:
		return BelowRange
	case current >= upper:
		return AboveRange
	default:
		return InRange
	}
}

// StatusAtSqrtPrice is StatusAtTick expressed in sqrt prices.
func StatusAtSqrtPrice(sqrtPrice, sqrtLower, sqrtUpper *uint256.Int) RangeStatus {
	switch {
	case sqrtPrice.Lt(sqrtLower):
		return BelowRange
	case !sqrtPrice.Lt(sqrtUpper):
		return AboveRange
	default:
		return InRange
	}
}

// mulDiv computes floor(x*y/d) with a 512-bit intermediate.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errors.New("mulDiv: division by zero")
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, errors.Errorf("mulDiv: %s * %s / %s overflows 256 bits", x.Dec(), y.Dec(), d.Dec())
	}
	return z, nil
}

func checkLiquidity(liquidity *uint256.Int) error {
	if liquidity.Gt(maxUint128) {
		return errors.Wrapf(domain.ErrInvalidAmount, "liquidity %s exceeds 128 bits", liquidity.Dec())
	}
	return nil
}

// amount0Delta is L * (sqrtB - sqrtA) / (sqrtA * sqrtB), rounded down.
func amount0Delta(sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if sqrtA.IsZero() {
		return nil, errors.Wrap(domain.ErrInvalidAmount, "sqrt price must be positive")
	}
	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(sqrtB, sqrtA)

	v, err := mulDiv(numerator1, numerator2, sqrtB)
	if err != nil {
		return nil, err
	}
	return v.Div(v, sqrtA), nil
}

// amount1Delta is L * (sqrtB - sqrtA), rounded down.
func amount1Delta(sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	return mulDiv(liquidity, new(uint256.Int).Sub(sqrtB, sqrtA), Q96)
}

// AmountsForLiquidity returns the raw token amounts (base units) held by
// liquidity between sqrtLower and sqrtUpper at sqrtPrice. Below the range all
// value is token0, above it all value is token1.
func AmountsForLiquidity(sqrtPrice, sqrtLower, sqrtUpper, liquidity *uint256.Int) (amount0, amount1 *uint256.Int, err error) {
	if !sqrtLower.Lt(sqrtUpper) {
		return nil, nil, errors.Wrap(domain.ErrInvalidPositionRange, "lower sqrt price must be below upper")
	}
	if err := checkLiquidity(liquidity); err != nil {
		return nil, nil, err
	}

	amount0, amount1 = new(uint256.Int), new(uint256.Int)
	if liquidity.IsZero() {
		return amount0, amount1, nil
	}

	switch StatusAtSqrtPrice(sqrtPrice, sqrtLower, sqrtUpper) {
	case BelowRange:
		amount0, err = amount0Delta(sqrtLower, sqrtUpper, liquidity)
	case InRange:
		if amount0, err = amount0Delta(sqrtPrice, sqrtUpper, liquidity); err == nil {
			amount1, err = amount1Delta(sqrtLower, sqrtPrice, liquidity)
		}
	case AboveRange:
		amount1, err = amount1Delta(sqrtLower, sqrtUpper, liquidity)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

func liquidityForAmount0(sqrtA, sqrtB, amount0 *uint256.Int) (*uint256.Int, error) {
	intermediate, err := mulDiv(sqrtA, sqrtB, Q96)
	if err != nil {
		return nil, err
	}
	return mulDiv(amount0, intermediate, new(uint256.Int).Sub(sqrtB, sqrtA))
}

func liquidityForAmount1(sqrtA, sqrtB, amount1 *uint256.Int) (*uint256.Int, error) {
	return mulDiv(amount1, Q96, new(uint256.Int).Sub(sqrtB, sqrtA))
}

// LiquidityForAmounts is the inverse of AmountsForLiquidity: the largest
// liquidity that the given raw amounts can fund at sqrtPrice.
func LiquidityForAmounts(sqrtPrice, sqrtLower, sqrtUpper, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	if !sqrtLower.Lt(sqrtUpper) {
		return nil, errors.Wrap(domain.ErrInvalidPositionRange, "lower sqrt price must be below upper")
	}

	// At exactly the lower bound the position holds only token0.
	if !sqrtLower.Lt(sqrtPrice) {
		return liquidityForAmount0(sqrtLower, sqrtUpper, amount0)
	}
	if StatusAtSqrtPrice(sqrtPrice, sqrtLower, sqrtUpper) == AboveRange {
		return liquidityForAmount1(sqrtLower, sqrtUpper, amount1)
	}

	l0, err := liquidityForAmount0(sqrtPrice, sqrtUpper, amount0)
	if err != nil {
		return nil, err
	}
	l1, err := liquidityForAmount1(sqrtLower, sqrtPrice, amount1)
	if err != nil {
		return nil, err
	}
	if l0.Lt(l1) {
		return l0, nil
	}
	return l1, nil
}
