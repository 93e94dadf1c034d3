package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/lending"
	"github.com/vadiminshakov/holdings/internal/liquidity"
	"github.com/vadiminshakov/holdings/internal/taxlots"
)

// transition applies one event to a private copy of the account state and
// records what changed. It never touches published state.
type transition struct {
	next          *AccountState
	changes       domain.ChangeSet
	defaultMethod domain.CostBasisMethod
	bookOpts      []taxlots.Option
}

func (t *transition) apply(ev domain.Event) error {
	switch e := ev.(type) {
	case domain.BalanceObserved:
		return t.balance(e)
	case *domain.BalanceObserved:
		return t.balance(*e)
	case domain.LiquidityPositionObserved:
		return t.liquidityObserved(e)
	case *domain.LiquidityPositionObserved:
		return t.liquidityObserved(*e)
	case domain.LiquidityFeesCollected:
		return t.feesCollected(e)
	case *domain.LiquidityFeesCollected:
		return t.feesCollected(*e)
	case domain.LendingPositionObserved:
		return t.lendingObserved(e)
	case *domain.LendingPositionObserved:
		return t.lendingObserved(*e)
	case domain.AcquisitionOccurred:
		return t.acquisition(e)
	case *domain.AcquisitionOccurred:
		return t.acquisition(*e)
	case domain.DisposalOccurred:
		return t.disposal(e)
	case *domain.DisposalOccurred:
		return t.disposal(*e)
	default:
		return errors.Wrapf(domain.ErrInvalidEvent, "unsupported event %T", ev)
	}
}

func outOfOrder(what string, at, last time.Time) error {
	return errors.Wrapf(domain.ErrInconsistentEventOrder, "%s: event at %s precedes last update at %s",
		what, at.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
}

func (t *transition) balance(e domain.BalanceObserved) error {
	bal, err := domain.NewSpotBalance(t.next.account, e.Asset, e.Quantity, e.Source, e.SourceID, e.At)
	if err != nil {
		return err
	}
	if prev, ok := t.next.balances[bal.Key()]; ok && bal.ObservedAt.Before(prev.ObservedAt) {
		return outOfOrder("balance "+bal.Key(), bal.ObservedAt, prev.ObservedAt)
	}

	t.next.balances[bal.Key()] = bal
	t.next.touch(bal.ObservedAt)
	t.changes.Balances = append(t.changes.Balances, bal)
	return nil
}

func (t *transition) pool(p domain.Pool) (domain.Pool, error) {
	pool, err := p.Normalize()
	if err != nil {
		return domain.Pool{}, err
	}
	if prev, ok := t.next.pools[pool.ID]; ok {
		if prev.Token0.ID != pool.Token0.ID || prev.Token1.ID != pool.Token1.ID {
			return domain.Pool{}, errors.Wrapf(domain.ErrInvalidEvent, "pool %s: tokens changed from %s/%s to %s/%s",
				pool.ID, prev.Token0.ID, prev.Token1.ID, pool.Token0.ID, pool.Token1.ID)
		}
		if prev == pool {
			return pool, nil
		}
	}
	t.next.pools[pool.ID] = pool
	t.changes.Pools = append(t.changes.Pools, pool)
	return pool, nil
}

func (t *transition) liquidityObserved(e domain.LiquidityPositionObserved) error {
	if e.PositionID == "" {
		return errors.Wrap(domain.ErrInvalidEvent, "liquidity position id is required")
	}
	pool, err := t.pool(e.Pool)
	if err != nil {
		return err
	}
	at := e.At.UTC()

	var state *domain.PoolState
	if e.State != nil {
		s := *e.State
		if s.PoolID == "" {
			s.PoolID = pool.ID
		}
		if domain.NormalizeID(s.PoolID) != pool.ID {
			return errors.Wrapf(domain.ErrInvalidEvent, "position %s: state of pool %s given for pool %s", e.PositionID, s.PoolID, pool.ID)
		}
		s.PoolID = pool.ID
		if s.ObservedAt.IsZero() {
			s.ObservedAt = at
		}
		if prev, ok := t.next.poolStates[pool.ID]; ok && s.ObservedAt.Before(prev.ObservedAt) {
			return outOfOrder("pool "+pool.ID+" state", s.ObservedAt, prev.ObservedAt)
		}
		state = &s
		t.next.poolStates[pool.ID] = s
	}

	pos, exists := t.next.liquidity[e.PositionID]
	if !exists {
		pos, err = domain.NewLiquidityPosition(e.PositionID, t.next.account, pool, e.TickLower, e.TickUpper, e.Liquidity, at)
		if err != nil {
			return err
		}
		if state != nil {
			// Fees earned before the position existed are not its own.
			inside0, inside1 := liquidity.FeeGrowthInside(*state, pos.TickLower, pos.TickUpper)
			pos.FeeGrowthInside0LastX128 = domain.U256(inside0)
			pos.FeeGrowthInside1LastX128 = domain.U256(inside1)
			pos.FeeCheckpointAt = state.ObservedAt.UTC()
		}
	} else {
		if at.Before(pos.UpdatedAt) {
			return outOfOrder("liquidity position "+pos.ID, at, pos.UpdatedAt)
		}
		if pos.PoolID != pool.ID || pos.TickLower != e.TickLower || pos.TickUpper != e.TickUpper {
			return errors.Wrapf(domain.ErrInvalidPositionRange, "position %s: range %s [%d, %d] cannot change to %s [%d, %d]",
				pos.ID, pos.PoolID, pos.TickLower, pos.TickUpper, pool.ID, e.TickLower, e.TickUpper)
		}
		if state != nil {
			// Credit fees on the old liquidity before it changes.
			if pos, err = liquidity.AccrueFromState(pool, *state, pos); err != nil {
				return err
			}
		}
		pos.Liquidity = e.Liquidity
		pos.Closed = e.Liquidity.IsZero()
		pos.UpdatedAt = at
	}

	t.next.liquidity[pos.ID] = pos
	t.next.touch(at)
	t.changes.LiquidityPositions = append(t.changes.LiquidityPositions, pos)
	return nil
}

func (t *transition) feesCollected(e domain.LiquidityFeesCollected) error {
	pos, ok := t.next.liquidity[e.PositionID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "liquidity position %s", e.PositionID)
	}
	at := e.At.UTC()
	if at.Before(pos.UpdatedAt) {
		return outOfOrder("liquidity position "+pos.ID, at, pos.UpdatedAt)
	}
	pool, ok := t.next.pools[pos.PoolID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "pool %s of position %s", pos.PoolID, pos.ID)
	}
	if !pool.Token0.Fits(e.Amount0) || !pool.Token1.Fits(e.Amount1) {
		return errors.Wrapf(domain.ErrInvalidAmount, "position %s: collected amounts exceed token precision", pos.ID)
	}

	pos, err := liquidity.Collect(pos, e.Amount0, e.Amount1, at)
	if err != nil {
		return err
	}
	t.next.liquidity[pos.ID] = pos
	t.next.touch(at)
	t.changes.LiquidityPositions = append(t.changes.LiquidityPositions, pos)
	return nil
}

func (t *transition) lendingObserved(e domain.LendingPositionObserved) error {
	if e.PositionID == "" {
		return errors.Wrap(domain.ErrInvalidEvent, "lending position id is required")
	}
	market, err := e.Market.Normalize()
	if err != nil {
		return err
	}
	at := e.At.UTC()

	candidate := domain.LendingPosition{
		ID:                   e.PositionID,
		Account:              t.next.account,
		MarketID:             market.ID,
		Supplied:             e.Supplied,
		SuppliedAsCollateral: e.SuppliedAsCollateral,
		VariableDebt:         e.VariableDebt,
		StableDebt:           e.StableDebt,
		Mode:                 e.Mode,
		UpdatedAt:            at,
	}
	if candidate.Mode.Kind == "" {
		candidate.Mode = domain.StandardMode
	}
	candidate.Closed = candidate.IsEmpty()
	if err := candidate.Validate(market); err != nil {
		return err
	}

	if prev, ok := t.next.lending[candidate.ID]; ok {
		if at.Before(prev.UpdatedAt) {
			return outOfOrder("lending position "+prev.ID, at, prev.UpdatedAt)
		}
		if prev.MarketID != candidate.MarketID {
			return errors.Wrapf(domain.ErrInvalidEvent, "lending position %s: market cannot change from %s to %s",
				prev.ID, prev.MarketID, candidate.MarketID)
		}
	}

	markets := cloneMap(t.next.markets)
	markets[market.ID] = market
	existing := make([]domain.LendingPosition, 0, len(t.next.lending))
	for id, p := range t.next.lending {
		if id != candidate.ID {
			existing = append(existing, p)
		}
	}
	if err := lending.ValidateModes(existing, candidate, markets); err != nil {
		return err
	}

	if prev, ok := t.next.markets[market.ID]; !ok || !sameMarket(prev, market) {
		t.next.markets[market.ID] = market
		t.changes.Markets = append(t.changes.Markets, market)
	}
	t.next.lending[candidate.ID] = candidate
	t.next.touch(at)
	t.changes.LendingPositions = append(t.changes.LendingPositions, candidate)
	return nil
}

// book returns a private copy of the asset's book, creating it if needed.
func (t *transition) book(a domain.Asset) (*taxlots.Book, error) {
	asset, err := a.Normalize()
	if err != nil {
		return nil, err
	}
	b, ok := t.next.books[asset.ID]
	if !ok {
		return taxlots.NewBook(t.next.account, asset, t.bookOpts...), nil
	}
	if b.Asset().Decimals != asset.Decimals {
		return nil, errors.Wrapf(domain.ErrInvalidAsset, "asset %s: decimals changed from %d to %d",
			asset.ID, b.Asset().Decimals, asset.Decimals)
	}
	return b.Clone(), nil
}

func (t *transition) acquisition(e domain.AcquisitionOccurred) error {
	b, err := t.book(e.Asset)
	if err != nil {
		return err
	}
	lot, err := b.RecordAcquisition(e.LotID, e.Quantity, e.UnitCost, e.At)
	if err != nil {
		return err
	}

	t.next.books[lot.Asset.ID] = b
	t.next.touch(lot.AcquiredAt)
	t.changes.Lots = append(t.changes.Lots, lot)
	return nil
}

func (t *transition) disposal(e domain.DisposalOccurred) error {
	method := e.Method
	if method == "" {
		method = t.defaultMethod
	}
	b, err := t.book(e.Asset)
	if err != nil {
		return err
	}
	record, changed, err := b.RecordDisposal(e.DisposalID, e.Quantity, e.Proceeds, e.At, method)
	if err != nil {
		return err
	}

	t.next.books[record.Asset.ID] = b
	t.next.touch(record.DisposedAt)
	t.changes.Lots = append(t.changes.Lots, changed...)
	t.changes.Disposals = append(t.changes.Disposals, record)
	return nil
}

func sameMarket(a, b domain.Market) bool {
	return a.ID == b.ID && a.Asset == b.Asset && a.IsolationEnabled == b.IsolationEnabled &&
		a.EModeCategory == b.EModeCategory && a.LTV.Equal(b.LTV) &&
		a.LiquidationThreshold.Equal(b.LiquidationThreshold) && a.LiquidationBonus.Equal(b.LiquidationBonus) &&
		a.EModeLTV.Equal(b.EModeLTV) && a.EModeLiquidationThreshold.Equal(b.EModeLiquidationThreshold)
}
