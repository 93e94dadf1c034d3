package liquidity

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// Holdings is what a position is worth in tokens at a pool state.
type Holdings struct {
	PositionID string
	Status     RangeStatus
	Amount0    domain.Money
	Amount1    domain.Money
	// Owed0 and Owed1 are uncollected fees, including fees accrued up to the state.
	Owed0 domain.Money
	Owed1 domain.Money
}

// Total0 is principal plus fees in token0.
func (h Holdings) Total0() domain.Money { return h.Amount0.Add(h.Owed0) }

// Total1 is principal plus fees in token1.
func (h Holdings) Total1() domain.Money { return h.Amount1.Add(h.Owed1) }

// PositionHoldings computes the token amounts of pos at state. Fees that grew
// since the position's checkpoint are included in the owed amounts without
// changing the position itself.
func PositionHoldings(pool domain.Pool, state domain.PoolState, pos domain.LiquidityPosition) (Holdings, error) {
	sqrtLower, err := SqrtPriceAtTick(pos.TickLower)
	if err != nil {
		return Holdings{}, errors.Wrapf(err, "position %s", pos.ID)
	}
	sqrtUpper, err := SqrtPriceAtTick(pos.TickUpper)
	if err != nil {
		return Holdings{}, errors.Wrapf(err, "position %s", pos.ID)
	}
	sqrtPrice := state.SqrtPriceX96.Ptr()

	raw0, raw1, err := AmountsForLiquidity(sqrtPrice, sqrtLower, sqrtUpper, pos.Liquidity.Ptr())
	if err != nil {
		return Holdings{}, errors.Wrapf(err, "position %s", pos.ID)
	}

	// A state older than the checkpoint has nothing left to credit.
	accrued := pos
	if !StaleState(state, pos) {
		if accrued, err = AccrueFromState(pool, state, pos); err != nil {
			return Holdings{}, err
		}
	}

	return Holdings{
		PositionID: pos.ID,
		Status:     StatusAtSqrtPrice(sqrtPrice, sqrtLower, sqrtUpper),
		Amount0:    pool.Token0.FromRaw(raw0.ToBig()),
		Amount1:    pool.Token1.FromRaw(raw1.ToBig()),
		Owed0:      accrued.Token0Owed,
		Owed1:      accrued.Token1Owed,
	}, nil
}

// PriceRange returns the human prices (token1 per token0) at the position bounds.
func PriceRange(pool domain.Pool, pos domain.LiquidityPosition) (lower, upper domain.Money, err error) {
	if lower, err = PriceAtTick(pos.TickLower, pool.Token0.Decimals, pool.Token1.Decimals); err != nil {
		return domain.Zero, domain.Zero, err
	}
	if upper, err = PriceAtTick(pos.TickUpper, pool.Token0.Decimals, pool.Token1.Decimals); err != nil {
		return domain.Zero, domain.Zero, err
	}
	return lower, upper, nil
}

// NewPositionFromPrices opens a position whose bounds are the usable ticks
// enclosing [lowerPrice, upperPrice]. The lower bound rounds down and the
// upper bound rounds up to the pool's tick spacing.
func NewPositionFromPrices(id, account string, pool domain.Pool, lowerPrice, upperPrice domain.Money, liquidity *uint256.Int, at time.Time) (domain.LiquidityPosition, error) {
	if !lowerPrice.LessThan(upperPrice) {
		return domain.LiquidityPosition{}, errors.Wrapf(domain.ErrInvalidPositionRange, "lower price %s must be below upper price %s", lowerPrice, upperPrice)
	}
	tickLower, err := TickAtPrice(lowerPrice, pool.Token0.Decimals, pool.Token1.Decimals)
	if err != nil {
		return domain.LiquidityPosition{}, err
	}
	tickUpper, err := TickAtPrice(upperPrice, pool.Token0.Decimals, pool.Token1.Decimals)
	if err != nil {
		return domain.LiquidityPosition{}, err
	}

	spacing := pool.TickSpacing
	if spacing <= 0 {
		spacing = 1
	}
	tickLower = floorTick(tickLower, spacing)
	if up := floorTick(tickUpper, spacing); up != tickUpper {
		tickUpper = up + spacing
	}
	if tickLower < domain.MinTick {
		tickLower += spacing
	}
	if tickUpper > domain.MaxTick {
		tickUpper -= spacing
	}

	return domain.NewLiquidityPosition(id, account, pool, tickLower, tickUpper, domain.U256(liquidity), at)
}

func floorTick(tick, spacing int32) int32 {
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	return q * spacing
}
