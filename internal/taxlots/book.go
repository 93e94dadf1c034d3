// Package taxlots keeps the lot inventory of one (account, asset) pair and
// matches disposals against it using FIFO, LIFO or average cost.
package taxlots

import (
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// Book is the lot inventory of one (account, asset). It is not safe for
// concurrent use; callers serialize writers per account and publish clones.
type Book struct {
	account   string
	asset     domain.Asset
	lots      []domain.TaxLot
	disposals []domain.DisposalRecord
	nextSeq   uint64
	lastEvent time.Time
	costScale int32
	newID     func() string
}

// Option configures a Book.
type Option func(*Book)

// WithCostScale sets the fractional digits kept for pooled average cost.
func WithCostScale(scale int32) Option {
	return func(b *Book) {
		if scale > 0 {
			b.costScale = scale
		}
	}
}

// WithIDGenerator replaces the uuid generator for lots and disposals.
func WithIDGenerator(gen func() string) Option {
	return func(b *Book) {
		if gen != nil {
			b.newID = gen
		}
	}
}

// NewBook creates an empty book.
func NewBook(account string, asset domain.Asset, opts ...Option) *Book {
	b := &Book{
		account:   domain.NormalizeAccount(account),
		asset:     asset,
		costScale: domain.DefaultCostScale,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RestoreBook rebuilds a book from persisted lots and disposals.
func RestoreBook(account string, asset domain.Asset, lots []domain.TaxLot, disposals []domain.DisposalRecord, opts ...Option) (*Book, error) {
	b := NewBook(account, asset, opts...)
	b.lots = append(make([]domain.TaxLot, 0, len(lots)), lots...)
	sort.SliceStable(b.lots, func(i, j int) bool { return b.lots[i].Before(b.lots[j]) })

	for _, l := range b.lots {
		if l.QuantityRemaining.IsNegative() || l.QuantityRemaining.GreaterThan(l.OriginalQuantity) {
			return nil, errors.Wrapf(domain.ErrInvalidAmount, "lot %s: remaining %s outside [0, %s]", l.ID, l.QuantityRemaining, l.OriginalQuantity)
		}
		if l.Seq >= b.nextSeq {
			b.nextSeq = l.Seq + 1
		}
		if l.AcquiredAt.After(b.lastEvent) {
			b.lastEvent = l.AcquiredAt
		}
	}

	b.disposals = append(make([]domain.DisposalRecord, 0, len(disposals)), disposals...)
	sort.SliceStable(b.disposals, func(i, j int) bool { return b.disposals[i].DisposedAt.Before(b.disposals[j].DisposedAt) })
	for _, d := range b.disposals {
		if d.DisposedAt.After(b.lastEvent) {
			b.lastEvent = d.DisposedAt
		}
	}
	return b, nil
}

// Clone returns a deep copy that can be mutated independently.
func (b *Book) Clone() *Book {
	c := *b
	c.lots = append(make([]domain.TaxLot, 0, len(b.lots)), b.lots...)
	c.disposals = make([]domain.DisposalRecord, len(b.disposals))
	for i, d := range b.disposals {
		d.MatchedLots = append([]domain.MatchedLot(nil), d.MatchedLots...)
		c.disposals[i] = d
	}
	return &c
}

// Account returns the account the book belongs to.
func (b *Book) Account() string { return b.account }

// Asset returns the asset whose lots the book holds.
func (b *Book) Asset() domain.Asset { return b.asset }

// LastEvent returns the time of the latest acquisition or disposal applied.
// Earlier events are rejected with ErrInconsistentEventOrder.
func (b *Book) LastEvent() time.Time { return b.lastEvent }

// Lots returns all lots, consumed ones included, in matching order.
func (b *Book) Lots() []domain.TaxLot {
	return append([]domain.TaxLot(nil), b.lots...)
}

// OpenLots returns lots with remaining quantity.
func (b *Book) OpenLots() []domain.TaxLot {
	open := make([]domain.TaxLot, 0, len(b.lots))
	for _, l := range b.lots {
		if l.IsOpen() {
			open = append(open, l)
		}
	}
	return open
}

// Disposals returns all disposal records in time order.
func (b *Book) Disposals() []domain.DisposalRecord {
	return append([]domain.DisposalRecord(nil), b.disposals...)
}

// RemainingQuantity sums the open inventory.
func (b *Book) RemainingQuantity() domain.Money {
	total := domain.Zero
	for _, l := range b.lots {
		total = total.Add(l.QuantityRemaining)
	}
	return total
}

// AverageUnitCost is the pooled unit cost of open inventory, half-even at the
// book's cost scale. Zero when nothing is held.
func (b *Book) AverageUnitCost() domain.Money {
	qty, cost := domain.Zero, domain.Zero
	for _, l := range b.lots {
		qty = qty.Add(l.QuantityRemaining)
		cost = cost.Add(l.RemainingCost())
	}
	if qty.IsZero() {
		return domain.Zero
	}
	return cost.DivRound(qty, b.costScale)
}

// UnrealizedGain is the gain of open inventory if sold at price, using each
// lot's own cost basis.
func (b *Book) UnrealizedGain(price domain.Money) domain.Money {
	gain := domain.Zero
	for _, l := range b.lots {
		if l.IsOpen() {
			gain = gain.Add(l.QuantityRemaining.Mul(price.Sub(l.UnitCostBasis)))
		}
	}
	return gain
}

func (b *Book) checkOrder(at time.Time) error {
	if at.Before(b.lastEvent) {
		return errors.Wrapf(domain.ErrInconsistentEventOrder, "%s/%s: event at %s precedes last applied event at %s",
			b.account, b.asset.ID, at.Format(time.RFC3339Nano), b.lastEvent.Format(time.RFC3339Nano))
	}
	return nil
}

func (b *Book) checkQuantity(qty domain.Money) error {
	if !qty.IsPositive() {
		return errors.Wrapf(domain.ErrInvalidAmount, "%s: quantity must be positive, got %s", b.asset.ID, qty)
	}
	if !b.asset.Fits(qty) {
		return errors.Wrapf(domain.ErrInvalidAmount, "%s: quantity %s exceeds %d decimals", b.asset.ID, qty, b.asset.Decimals)
	}
	return nil
}

// RecordAcquisition appends a lot. An empty id gets a generated one.
func (b *Book) RecordAcquisition(id string, qty, unitCost domain.Money, at time.Time) (domain.TaxLot, error) {
	if err := b.checkQuantity(qty); err != nil {
		return domain.TaxLot{}, err
	}
	if unitCost.IsNegative() {
		return domain.TaxLot{}, errors.Wrapf(domain.ErrInvalidAmount, "%s: unit cost must not be negative, got %s", b.asset.ID, unitCost)
	}
	at = at.UTC()
	if err := b.checkOrder(at); err != nil {
		return domain.TaxLot{}, err
	}
	if id == "" {
		id = b.newID()
	}
	for _, l := range b.lots {
		if l.ID == id {
			return domain.TaxLot{}, errors.Wrapf(domain.ErrInconsistentEventOrder, "lot %s already recorded", id)
		}
	}

	lot := domain.TaxLot{
		ID:                id,
		Account:           b.account,
		Asset:             b.asset,
		AcquiredAt:        at,
		OriginalQuantity:  qty,
		QuantityRemaining: qty,
		UnitCostBasis:     unitCost,
		Seq:               b.nextSeq,
	}
	b.nextSeq++
	// at >= lastEvent, so appending keeps (AcquiredAt, Seq) order.
	b.lots = append(b.lots, lot)
	b.lastEvent = at
	return lot, nil
}

// RecordDisposal matches qty against open lots. It either consumes exactly
// qty or changes nothing. The returned lots are the ones whose remaining
// quantity changed.
func (b *Book) RecordDisposal(id string, qty, proceeds domain.Money, at time.Time, method domain.CostBasisMethod) (domain.DisposalRecord, []domain.TaxLot, error) {
	if err := b.checkQuantity(qty); err != nil {
		return domain.DisposalRecord{}, nil, err
	}
	if proceeds.IsNegative() {
		return domain.DisposalRecord{}, nil, errors.Wrapf(domain.ErrInvalidAmount, "%s: proceeds must not be negative, got %s", b.asset.ID, proceeds)
	}
	if !method.IsValid() {
		return domain.DisposalRecord{}, nil, errors.Wrapf(domain.ErrInvalidEvent, "unknown cost basis method %q", method)
	}
	at = at.UTC()
	if err := b.checkOrder(at); err != nil {
		return domain.DisposalRecord{}, nil, err
	}
	if held := b.RemainingQuantity(); held.LessThan(qty) {
		return domain.DisposalRecord{}, nil, errors.Wrapf(domain.ErrInsufficientLots, "%s/%s: dispose %s, hold %s",
			b.account, b.asset.ID, qty, held)
	}

	lots := b.Lots()
	var matched []domain.MatchedLot
	switch method {
	case domain.MethodFIFO:
		matched = matchOrdered(lots, qty, false)
	case domain.MethodLIFO:
		matched = matchOrdered(lots, qty, true)
	case domain.MethodAverageCost:
		matched = b.matchAverage(lots, qty)
	}

	changed := make([]domain.TaxLot, 0, len(matched))
	for _, l := range lots {
		for _, m := range matched {
			if m.LotID == l.ID {
				changed = append(changed, l)
				break
			}
		}
	}

	if id == "" {
		id = b.newID()
	}
	record := domain.DisposalRecord{
		ID:          id,
		Account:     b.account,
		Asset:       b.asset,
		Quantity:    qty,
		Proceeds:    proceeds,
		DisposedAt:  at,
		Method:      method,
		MatchedLots: matched,
	}

	b.lots = lots
	b.disposals = append(b.disposals, record)
	b.lastEvent = at
	return record, changed, nil
}

// matchOrdered consumes lots oldest-first, or newest-first when reverse is set.
// Cost basis taken is exact: quantity × the lot's own unit cost.
func matchOrdered(lots []domain.TaxLot, qty domain.Money, reverse bool) []domain.MatchedLot {
	var matched []domain.MatchedLot
	left := qty
	for i := range lots {
		idx := i
		if reverse {
			idx = len(lots) - 1 - i
		}
		lot := &lots[idx]
		if !lot.IsOpen() {
			continue
		}

		take := lot.QuantityRemaining.Min(left)
		lot.QuantityRemaining = lot.QuantityRemaining.Sub(take)
		left = left.Sub(take)
		matched = append(matched, domain.MatchedLot{
			LotID:          lot.ID,
			QuantityTaken:  take,
			CostBasisTaken: take.Mul(lot.UnitCostBasis),
		})
		if left.IsZero() {
			break
		}
	}
	return matched
}

// matchAverage takes qty from every open lot in proportion to its remaining
// quantity, at the asset's precision. Units lost to flooring are handed out by
// largest remainder, earliest lot first on ties. Every matched entry carries
// the pooled average unit cost.
func (b *Book) matchAverage(lots []domain.TaxLot, qty domain.Money) []domain.MatchedLot {
	avg := b.AverageUnitCost()

	type share struct {
		idx   int
		units *big.Int
		rem   *big.Int
	}

	total := new(big.Int)
	for _, l := range lots {
		if l.IsOpen() {
			total.Add(total, b.asset.ToRaw(l.QuantityRemaining))
		}
	}

	want := b.asset.ToRaw(qty)
	shares := make([]share, 0, len(lots))
	allocated := new(big.Int)
	for i, l := range lots {
		if !l.IsOpen() {
			continue
		}
		num := new(big.Int).Mul(want, b.asset.ToRaw(l.QuantityRemaining))
		units, rem := new(big.Int).QuoRem(num, total, new(big.Int))
		allocated.Add(allocated, units)
		shares = append(shares, share{idx: i, units: units, rem: rem})
	}

	leftover := new(big.Int).Sub(want, allocated).Int64()
	if leftover > 0 {
		order := make([]int, len(shares))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, c int) bool {
			return shares[order[a]].rem.Cmp(shares[order[c]].rem) > 0
		})
		for _, k := range order[:leftover] {
			shares[k].units.Add(shares[k].units, big.NewInt(1))
		}
	}

	matched := make([]domain.MatchedLot, 0, len(shares))
	for _, s := range shares {
		if s.units.Sign() == 0 {
			continue
		}
		lot := &lots[s.idx]
		take := b.asset.FromRaw(s.units)
		lot.QuantityRemaining = lot.QuantityRemaining.Sub(take)
		matched = append(matched, domain.MatchedLot{
			LotID:          lot.ID,
			QuantityTaken:  take,
			CostBasisTaken: take.Mul(avg),
		})
	}
	return matched
}
