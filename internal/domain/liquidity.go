package domain

import (
	"time"

	"github.com/pkg/errors"
)

const (
	// MinTick is the lowest tick a concentrated-liquidity pool supports.
	MinTick int32 = -887272
	// MaxTick is the highest tick a concentrated-liquidity pool supports.
	MaxTick int32 = 887272
)

// Pool describes a concentrated-liquidity pool. Token0/Token1 ordering follows the pool.
type Pool struct {
	ID          string `json:"id"`
	Token0      Asset  `json:"token0"`
	Token1      Asset  `json:"token1"`
	FeeTier     uint32 `json:"fee_tier"` // hundredths of a basis point, 3000 = 0.30%
	TickSpacing int32  `json:"tick_spacing"`
}

// Normalize validates the pool definition.
func (p Pool) Normalize() (Pool, error) {
	p.ID = NormalizeID(p.ID)
	if p.ID == "" {
		return Pool{}, errors.Wrap(ErrInvalidEvent, "pool id is required")
	}
	var err error
	if p.Token0, err = p.Token0.Normalize(); err != nil {
		return Pool{}, errors.Wrapf(err, "pool %s token0", p.ID)
	}
	if p.Token1, err = p.Token1.Normalize(); err != nil {
		return Pool{}, errors.Wrapf(err, "pool %s token1", p.ID)
	}
	if p.Token0.ID == p.Token1.ID {
		return Pool{}, errors.Wrapf(ErrInvalidEvent, "pool %s: token0 and token1 are the same asset", p.ID)
	}
	if p.TickSpacing <= 0 {
		p.TickSpacing = 1
	}
	return p, nil
}

// TickFeeGrowth is the fee growth recorded outside an initialized tick.
type TickFeeGrowth struct {
	FeeGrowthOutside0X128 Uint256 `json:"fee_growth_outside0_x128"`
	FeeGrowthOutside1X128 Uint256 `json:"fee_growth_outside1_x128"`
}

// PoolState is a point-in-time observation of a pool, supplied by the caller.
type PoolState struct {
	PoolID               string                  `json:"pool_id"`
	SqrtPriceX96         Uint256                 `json:"sqrt_price_x96"`
	Tick                 int32                   `json:"tick"`
	FeeGrowthGlobal0X128 Uint256                 `json:"fee_growth_global0_x128"`
	FeeGrowthGlobal1X128 Uint256                 `json:"fee_growth_global1_x128"`
	Ticks                map[int32]TickFeeGrowth `json:"ticks,omitempty"`
	ObservedAt           time.Time               `json:"observed_at"`
}

// LiquidityPosition is a concentrated-liquidity position owned by one account in one pool.
type LiquidityPosition struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	PoolID    string `json:"pool_id"`
	TickLower int32  `json:"tick_lower"`
	TickUpper int32  `json:"tick_upper"`
	Liquidity Uint256 `json:"liquidity"`
	// Token0Owed and Token1Owed are uncollected fees in token units.
	Token0Owed Money `json:"token0_owed"`
	Token1Owed Money `json:"token1_owed"`
	// FeeGrowthInside*LastX128 is the checkpoint of per-liquidity fee growth
	// already credited to the owed amounts.
	FeeGrowthInside0LastX128 Uint256   `json:"fee_growth_inside0_last_x128"`
	FeeGrowthInside1LastX128 Uint256   `json:"fee_growth_inside1_last_x128"`
	// FeeCheckpointAt is when the pool observation behind the checkpoint was taken.
	FeeCheckpointAt          time.Time `json:"fee_checkpoint_at"`
	Closed                   bool      `json:"closed"`
	OpenedAt                 time.Time `json:"opened_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// NewLiquidityPosition validates the tick range. A range that is empty or
// inverted is rejected here so computations never divide by a zero width.
func NewLiquidityPosition(id, account string, pool Pool, tickLower, tickUpper int32, liquidity Uint256, at time.Time) (LiquidityPosition, error) {
	if err := ValidateTickRange(tickLower, tickUpper, pool.TickSpacing); err != nil {
		return LiquidityPosition{}, errors.Wrapf(err, "position %s", id)
	}
	account = NormalizeAccount(account)
	if account == "" || id == "" {
		return LiquidityPosition{}, errors.Wrap(ErrInvalidEvent, "position id and account are required")
	}

	return LiquidityPosition{
		ID:         id,
		Account:    account,
		PoolID:     pool.ID,
		TickLower:  tickLower,
		TickUpper:  tickUpper,
		Liquidity:  liquidity,
		Token0Owed: Zero,
		Token1Owed: Zero,
		Closed:     liquidity.IsZero(),
		OpenedAt:   at.UTC(),
		UpdatedAt:  at.UTC(),
	}, nil
}

// ValidateTickRange checks lower < upper, bounds and spacing alignment.
func ValidateTickRange(tickLower, tickUpper, tickSpacing int32) error {
	if tickLower >= tickUpper {
		return errors.Wrapf(ErrInvalidPositionRange, "lower tick %d must be below upper tick %d", tickLower, tickUpper)
	}
	if tickLower < MinTick || tickUpper > MaxTick {
		return errors.Wrapf(ErrInvalidPositionRange, "ticks [%d, %d] outside [%d, %d]", tickLower, tickUpper, MinTick, MaxTick)
	}
	if tickSpacing > 1 && (tickLower%tickSpacing != 0 || tickUpper%tickSpacing != 0) {
		return errors.Wrapf(ErrInvalidPositionRange, "ticks [%d, %d] not aligned to spacing %d", tickLower, tickUpper, tickSpacing)
	}
	return nil
}

// IsOpen reports whether the position still holds liquidity.
func (p LiquidityPosition) IsOpen() bool {
	return !p.Closed
}
