package engine

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/portfolio"
	"github.com/vadiminshakov/holdings/internal/taxlots"
)

// AccountState is an immutable view of one account. A published state is never
// mutated; applying an event produces a new state which replaces it atomically.
type AccountState struct {
	account    string
	version    uint64
	updatedAt  time.Time
	balances   map[string]domain.SpotBalance
	liquidity  map[string]domain.LiquidityPosition
	lending    map[string]domain.LendingPosition
	pools      map[string]domain.Pool
	markets    map[string]domain.Market
	poolStates map[string]domain.PoolState
	books      map[string]*taxlots.Book
	eventIDs   map[string]struct{}
}

func newAccountState(account string) *AccountState {
	return &AccountState{
		account:    account,
		balances:   map[string]domain.SpotBalance{},
		liquidity:  map[string]domain.LiquidityPosition{},
		lending:    map[string]domain.LendingPosition{},
		pools:      map[string]domain.Pool{},
		markets:    map[string]domain.Market{},
		poolStates: map[string]domain.PoolState{},
		books:      map[string]*taxlots.Book{},
		eventIDs:   map[string]struct{}{},
	}
}

// restoreState rebuilds an account from persisted records.
func restoreState(rec domain.AccountRecords, opts ...taxlots.Option) (*AccountState, error) {
	s := newAccountState(rec.Account)
	for _, b := range rec.Balances {
		s.balances[b.Key()] = b
		s.touch(b.ObservedAt)
	}
	for _, p := range rec.Pools {
		s.pools[p.ID] = p
	}
	for _, m := range rec.Markets {
		s.markets[m.ID] = m
	}
	for _, p := range rec.LiquidityPositions {
		s.liquidity[p.ID] = p
		s.touch(p.UpdatedAt)
	}
	for _, p := range rec.LendingPositions {
		s.lending[p.ID] = p
		s.touch(p.UpdatedAt)
	}
	for _, id := range rec.EventIDs {
		s.eventIDs[id] = struct{}{}
	}

	lots := map[string][]domain.TaxLot{}
	disposals := map[string][]domain.DisposalRecord{}
	assets := map[string]domain.Asset{}
	for _, l := range rec.Lots {
		lots[l.Asset.ID] = append(lots[l.Asset.ID], l)
		assets[l.Asset.ID] = l.Asset
	}
	for _, d := range rec.Disposals {
		disposals[d.Asset.ID] = append(disposals[d.Asset.ID], d)
		if _, ok := assets[d.Asset.ID]; !ok {
			assets[d.Asset.ID] = d.Asset
		}
	}
	for id, asset := range assets {
		book, err := taxlots.RestoreBook(rec.Account, asset, lots[id], disposals[id], opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "restore %s/%s lots", rec.Account, id)
		}
		s.books[id] = book
		s.touch(book.LastEvent())
	}
	return s, nil
}

// clone copies the maps so the copy can be modified without touching s.
// Books are shared until a writer replaces one with its own clone.
func (s *AccountState) clone() *AccountState {
	c := *s
	c.balances = cloneMap(s.balances)
	c.liquidity = cloneMap(s.liquidity)
	c.lending = cloneMap(s.lending)
	c.pools = cloneMap(s.pools)
	c.markets = cloneMap(s.markets)
	c.poolStates = cloneMap(s.poolStates)
	c.books = cloneMap(s.books)
	c.eventIDs = cloneMap(s.eventIDs)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *AccountState) touch(at time.Time) {
	if at.After(s.updatedAt) {
		s.updatedAt = at
	}
}

// Account is the account id.
func (s *AccountState) Account() string { return s.account }

// Version counts the events applied since the process loaded the account.
func (s *AccountState) Version() uint64 { return s.version }

// UpdatedAt is the latest event time seen for the account.
func (s *AccountState) UpdatedAt() time.Time { return s.updatedAt }

// Balances returns spot balances ordered by key.
func (s *AccountState) Balances() []domain.SpotBalance {
	out := make([]domain.SpotBalance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// LiquidityPositions returns all liquidity positions, closed ones included.
func (s *AccountState) LiquidityPositions() []domain.LiquidityPosition {
	out := make([]domain.LiquidityPosition, 0, len(s.liquidity))
	for _, p := range s.liquidity {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LiquidityPosition looks up a position by id.
func (s *AccountState) LiquidityPosition(id string) (domain.LiquidityPosition, bool) {
	p, ok := s.liquidity[id]
	return p, ok
}

// LendingPositions returns all lending positions, closed ones included.
func (s *AccountState) LendingPositions() []domain.LendingPosition {
	out := make([]domain.LendingPosition, 0, len(s.lending))
	for _, p := range s.lending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LendingPosition looks up a position by id.
func (s *AccountState) LendingPosition(id string) (domain.LendingPosition, bool) {
	p, ok := s.lending[id]
	return p, ok
}

// Markets returns the lending markets referenced by the account.
func (s *AccountState) Markets() map[string]domain.Market {
	return cloneMap(s.markets)
}

// Pools returns the pools referenced by the account.
func (s *AccountState) Pools() map[string]domain.Pool {
	return cloneMap(s.pools)
}

// PoolStates returns the latest pool observations carried by events.
func (s *AccountState) PoolStates() map[string]domain.PoolState {
	return cloneMap(s.poolStates)
}

// Assets lists the asset ids that have a lot book, sorted.
func (s *AccountState) Assets() []string {
	out := make([]string, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Lots returns the lots of one asset, consumed ones included.
func (s *AccountState) Lots(assetID string) []domain.TaxLot {
	b, ok := s.books[domain.NormalizeID(assetID)]
	if !ok {
		return nil
	}
	return b.Lots()
}

// Disposals returns the disposal records of one asset, or of all assets when
// assetID is empty, in time order.
func (s *AccountState) Disposals(assetID string) []domain.DisposalRecord {
	if assetID != "" {
		b, ok := s.books[domain.NormalizeID(assetID)]
		if !ok {
			return nil
		}
		return b.Disposals()
	}

	var out []domain.DisposalRecord
	for _, id := range s.Assets() {
		out = append(out, s.books[id].Disposals()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisposedAt.Before(out[j].DisposedAt) })
	return out
}

// RemainingQuantity is the open lot inventory of an asset.
func (s *AccountState) RemainingQuantity(assetID string) domain.Money {
	b, ok := s.books[domain.NormalizeID(assetID)]
	if !ok {
		return domain.Zero
	}
	return b.RemainingQuantity()
}

// AverageUnitCost is the pooled unit cost of the open lots of an asset.
func (s *AccountState) AverageUnitCost(assetID string) domain.Money {
	b, ok := s.books[domain.NormalizeID(assetID)]
	if !ok {
		return domain.Zero
	}
	return b.AverageUnitCost()
}

// UnrealizedGains values the open lots of every asset that has a price.
// Assets without a price are left out.
func (s *AccountState) UnrealizedGains(prices domain.PriceBook) map[string]domain.Money {
	out := map[string]domain.Money{}
	for id, b := range s.books {
		price, _, ok := prices.Lookup(b.Asset())
		if !ok || b.RemainingQuantity().IsZero() {
			continue
		}
		out[id] = b.UnrealizedGain(price)
	}
	return out
}

// HasEvent reports whether an event id was already applied.
func (s *AccountState) HasEvent(id string) bool {
	_, ok := s.eventIDs[id]
	return ok
}

// Holdings is the input of a portfolio snapshot.
func (s *AccountState) Holdings() portfolio.Holdings {
	return portfolio.Holdings{
		Account:            s.account,
		Balances:           s.Balances(),
		LiquidityPositions: s.LiquidityPositions(),
		LendingPositions:   s.LendingPositions(),
		Pools:              s.Pools(),
		Markets:            s.Markets(),
	}
}
