// Package portfolio builds consolidated point-in-time valuations of an
// account from its spot balances, liquidity positions and lending positions.
package portfolio

import (
	"sort"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/liquidity"
)

// Holdings is the account state a snapshot is built from. Pools and markets
// resolve the ids that positions reference.
type Holdings struct {
	Account            string
	Balances           []domain.SpotBalance
	LiquidityPositions []domain.LiquidityPosition
	LendingPositions   []domain.LendingPosition
	Pools              map[string]domain.Pool
	Markets            map[string]domain.Market
}

// Aggregator values holdings in one reporting currency.
type Aggregator struct {
	currency *money.Currency
}

// NewAggregator resolves the reporting currency by ISO code.
func NewAggregator(currency string) (*Aggregator, error) {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(currency)))
	if cur == nil {
		return nil, errors.Errorf("unknown reporting currency %q", currency)
	}
	return &Aggregator{currency: cur}, nil
}

// Currency returns the reporting currency code.
func (a *Aggregator) Currency() string { return a.currency.Code }

// Quantize rounds a value to the currency's minor units, half-even.
func (a *Aggregator) Quantize(v domain.Money) domain.Money {
	return v.Quantize(int32(a.currency.Fraction))
}

// Display formats a value with the currency's symbol and grouping.
func (a *Aggregator) Display(v domain.Money) string {
	minor := a.Quantize(v).Decimal().Shift(int32(a.currency.Fraction)).IntPart()
	return money.New(minor, a.currency.Code).Display()
}

type builder struct {
	agg      *Aggregator
	market   domain.MarketData
	snapshot domain.PortfolioSnapshot
	missing  map[string]struct{}
}

// BuildSnapshot values every open holding at the market prices. A missing
// price never fails the snapshot: the affected line is flagged, excluded from
// totals and its asset listed in Unavailable. Pools or markets that positions
// reference but the holdings do not define are errors.
func (a *Aggregator) BuildSnapshot(h Holdings, asOf time.Time, market domain.MarketData) (domain.PortfolioSnapshot, error) {
	b := &builder{
		agg:    a,
		market: market,
		snapshot: domain.PortfolioSnapshot{
			Account:           h.Account,
			AsOf:              asOf.UTC(),
			ReportingCurrency: a.currency.Code,
			TotalValue:        domain.Zero,
			BySource: map[domain.SnapshotSource]domain.Money{
				domain.SnapshotSpot:      domain.Zero,
				domain.SnapshotLiquidity: domain.Zero,
				domain.SnapshotLending:   domain.Zero,
			},
			ByAsset:     []domain.AssetTotal{},
			Lines:       []domain.SnapshotLine{},
			Unavailable: []string{},
		},
		missing: map[string]struct{}{},
	}

	balances := append([]domain.SpotBalance(nil), h.Balances...)
	sort.Slice(balances, func(i, j int) bool { return balances[i].Key() < balances[j].Key() })
	for _, bal := range balances {
		b.add(domain.SnapshotSpot, bal.Key(), bal.Asset, bal.Quantity)
	}

	if err := b.addLiquidity(h); err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	if err := b.addLending(h); err != nil {
		return domain.PortfolioSnapshot{}, err
	}

	b.finish()
	return b.snapshot, nil
}

func (b *builder) addLiquidity(h Holdings) error {
	positions := openLiquidity(h.LiquidityPositions)
	for _, pos := range positions {
		pool, ok := h.Pools[pos.PoolID]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "pool %s of position %s", pos.PoolID, pos.ID)
		}

		state, ok := b.market.PoolState(pos.PoolID)
		if !ok {
			// Without a pool observation the split between tokens is unknown.
			b.unavailable(domain.SnapshotLiquidity, pos.ID, pool.Token0, domain.Zero)
			b.unavailable(domain.SnapshotLiquidity, pos.ID, pool.Token1, domain.Zero)
			continue
		}

		holdings, err := liquidity.PositionHoldings(pool, state, pos)
		if err != nil {
			return errors.Wrapf(err, "value liquidity position %s", pos.ID)
		}
		b.add(domain.SnapshotLiquidity, pos.ID, pool.Token0, holdings.Total0())
		b.add(domain.SnapshotLiquidity, pos.ID, pool.Token1, holdings.Total1())
	}
	return nil
}

func (b *builder) addLending(h Holdings) error {
	positions := append([]domain.LendingPosition(nil), h.LendingPositions...)
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })

	for _, pos := range positions {
		if pos.Closed || pos.IsEmpty() {
			continue
		}
		mkt, ok := h.Markets[pos.MarketID]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "market %s of position %s", pos.MarketID, pos.ID)
		}
		// Net equity: supplied market value minus debt value. Threshold-weighted
		// collateral is a risk measure, not what the account owns.
		if pos.Supplied.IsPositive() {
			b.add(domain.SnapshotLending, pos.ID, mkt.Asset, pos.Supplied)
		}
		if debt := pos.Debt(); debt.IsPositive() {
			b.add(domain.SnapshotLending, pos.ID, mkt.Asset, debt.Neg())
		}
	}
	return nil
}

func (b *builder) add(source domain.SnapshotSource, ref string, asset domain.Asset, qty domain.Money) {
	price, via, ok := b.market.Prices.Lookup(asset)
	if !ok {
		b.unavailable(source, ref, asset, qty)
		return
	}

	value := b.agg.Quantize(qty.Mul(price))
	b.snapshot.Lines = append(b.snapshot.Lines, domain.SnapshotLine{
		Source:    source,
		Ref:       ref,
		Asset:     asset,
		Quantity:  qty,
		Price:     price,
		Value:     value,
		PricedVia: via,
	})
	b.snapshot.BySource[source] = b.snapshot.BySource[source].Add(value)
	b.snapshot.TotalValue = b.snapshot.TotalValue.Add(value)
}

func (b *builder) unavailable(source domain.SnapshotSource, ref string, asset domain.Asset, qty domain.Money) {
	b.snapshot.Lines = append(b.snapshot.Lines, domain.SnapshotLine{
		Source:           source,
		Ref:              ref,
		Asset:            asset,
		Quantity:         qty,
		Price:            domain.Zero,
		Value:            domain.Zero,
		PriceUnavailable: true,
	})
	b.missing[asset.ID] = struct{}{}
}

func (b *builder) finish() {
	totals := map[string]*domain.AssetTotal{}
	for _, line := range b.snapshot.Lines {
		t, ok := totals[line.Asset.ID]
		if !ok {
			t = &domain.AssetTotal{Asset: line.Asset, Quantity: domain.Zero, Value: domain.Zero}
			totals[line.Asset.ID] = t
		}
		t.Quantity = t.Quantity.Add(line.Quantity)
		t.Value = t.Value.Add(line.Value)
	}
	for _, t := range totals {
		b.snapshot.ByAsset = append(b.snapshot.ByAsset, *t)
	}
	sort.Slice(b.snapshot.ByAsset, func(i, j int) bool { return b.snapshot.ByAsset[i].Asset.ID < b.snapshot.ByAsset[j].Asset.ID })

	for id := range b.missing {
		b.snapshot.Unavailable = append(b.snapshot.Unavailable, id)
	}
	sort.Strings(b.snapshot.Unavailable)
}

func openLiquidity(all []domain.LiquidityPosition) []domain.LiquidityPosition {
	open := make([]domain.LiquidityPosition, 0, len(all))
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open
}
