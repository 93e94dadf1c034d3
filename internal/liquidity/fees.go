package liquidity

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// FeeGrowthInside derives per-liquidity fee growth inside [lower, upper) from
// the pool's global growth and the outside growth of both boundary ticks.
// Uninitialized ticks have zero outside growth. All subtraction wraps mod 2^256.
func FeeGrowthInside(state domain.PoolState, lower, upper int32) (inside0, inside1 *uint256.Int) {
	lo := state.Ticks[lower]
	hi := state.Ticks[upper]

	inside0 = growthInside(state.FeeGrowthGlobal0X128.Ptr(), lo.FeeGrowthOutside0X128.Ptr(), hi.FeeGrowthOutside0X128.Ptr(), state.Tick, lower, upper)
	inside1 = growthInside(state.FeeGrowthGlobal1X128.Ptr(), lo.FeeGrowthOutside1X128.Ptr(), hi.FeeGrowthOutside1X128.Ptr(), state.Tick, lower, upper)
	return inside0, inside1
}

func growthInside(global, lowerOutside, upperOutside *uint256.Int, current, lower, upper int32) *uint256.Int {
	below := lowerOutside
	if current < lower {
		below = new(uint256.Int).Sub(global, lowerOutside)
	}
	above := upperOutside
	if current >= upper {
		above = new(uint256.Int).Sub(global, upperOutside)
	}

	inside := new(uint256.Int).Sub(global, below)
	return inside.Sub(inside, above)
}

// Accrue credits fees earned since the position's checkpoint and advances the
// checkpoint to the given inside growth. Calling it again with the same growth
// is a no-op. The current liquidity is used, so callers accrue before changing it.
func Accrue(pool domain.Pool, pos domain.LiquidityPosition, inside0, inside1 *uint256.Int) (domain.LiquidityPosition, error) {
	liq := pos.Liquidity.Ptr()

	owed0, err := feesSince(pos.FeeGrowthInside0LastX128.Ptr(), inside0, liq)
	if err != nil {
		return pos, errors.Wrapf(err, "position %s token0 fees", pos.ID)
	}
	owed1, err := feesSince(pos.FeeGrowthInside1LastX128.Ptr(), inside1, liq)
	if err != nil {
		return pos, errors.Wrapf(err, "position %s token1 fees", pos.ID)
	}

	pos.Token0Owed = pos.Token0Owed.Add(pool.Token0.FromRaw(owed0.ToBig()))
	pos.Token1Owed = pos.Token1Owed.Add(pool.Token1.FromRaw(owed1.ToBig()))
	pos.FeeGrowthInside0LastX128 = domain.U256(inside0)
	pos.FeeGrowthInside1LastX128 = domain.U256(inside1)
	return pos, nil
}

// AccrueFromState is Accrue with inside growth derived from a pool observation.
// An observation taken before the position's checkpoint is rejected with
// ErrInconsistentEventOrder; otherwise the checkpoint time moves to it.
func AccrueFromState(pool domain.Pool, state domain.PoolState, pos domain.LiquidityPosition) (domain.LiquidityPosition, error) {
	if StaleState(state, pos) {
		return pos, errors.Wrapf(domain.ErrInconsistentEventOrder, "position %s: pool state at %s precedes fee checkpoint at %s",
			pos.ID, state.ObservedAt.UTC().Format(time.RFC3339Nano), pos.FeeCheckpointAt.Format(time.RFC3339Nano))
	}
	inside0, inside1 := FeeGrowthInside(state, pos.TickLower, pos.TickUpper)
	pos, err := Accrue(pool, pos, inside0, inside1)
	if err != nil {
		return pos, err
	}
	if state.ObservedAt.After(pos.FeeCheckpointAt) {
		pos.FeeCheckpointAt = state.ObservedAt.UTC()
	}
	return pos, nil
}

// StaleState reports whether state was observed before the position's fee
// checkpoint. States without an observation time are never stale.
func StaleState(state domain.PoolState, pos domain.LiquidityPosition) bool {
	return !state.ObservedAt.IsZero() && state.ObservedAt.Before(pos.FeeCheckpointAt)
}

func feesSince(last, inside, liquidity *uint256.Int) (*uint256.Int, error) {
	if last.Eq(inside) || liquidity.IsZero() {
		return new(uint256.Int), nil
	}
	delta := new(uint256.Int).Sub(inside, last)
	return mulDiv(delta, liquidity, Q128)
}

// Collect withdraws owed fees. It is the only operation that reduces owed amounts.
func Collect(pos domain.LiquidityPosition, amount0, amount1 domain.Money, at time.Time) (domain.LiquidityPosition, error) {
	if amount0.IsNegative() || amount1.IsNegative() {
		return pos, errors.Wrapf(domain.ErrInvalidAmount, "position %s: collected amounts must not be negative", pos.ID)
	}
	if amount0.GreaterThan(pos.Token0Owed) || amount1.GreaterThan(pos.Token1Owed) {
		return pos, errors.Wrapf(domain.ErrInvalidAmount, "position %s: collect (%s, %s) exceeds owed (%s, %s)",
			pos.ID, amount0, amount1, pos.Token0Owed, pos.Token1Owed)
	}

	pos.Token0Owed = pos.Token0Owed.Sub(amount0)
	pos.Token1Owed = pos.Token1Owed.Sub(amount1)
	pos.UpdatedAt = at.UTC()
	return pos, nil
}
