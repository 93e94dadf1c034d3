// Package memory keeps holdings records in process memory. The Index is also
// the read side of the journal and file backed stores, which replay their
// persisted change sets into it on open.
package memory

import (
	"sort"

	"github.com/vadiminshakov/holdings/internal/domain"
)

type accountData struct {
	balances  map[string]domain.SpotBalance
	liquidity map[string]domain.LiquidityPosition
	lending   map[string]domain.LendingPosition
	lots      map[string]domain.TaxLot
	disposals []domain.DisposalRecord
	pools     map[string]domain.Pool
	markets   map[string]domain.Market
	eventIDs  map[string]struct{}
}

func newAccountData() *accountData {
	return &accountData{
		balances:  map[string]domain.SpotBalance{},
		liquidity: map[string]domain.LiquidityPosition{},
		lending:   map[string]domain.LendingPosition{},
		lots:      map[string]domain.TaxLot{},
		pools:     map[string]domain.Pool{},
		markets:   map[string]domain.Market{},
		eventIDs:  map[string]struct{}{},
	}
}

func lotKey(l domain.TaxLot) string {
	return l.Asset.ID + "|" + l.ID
}

// Index is an unsynchronized record index keyed the way domain.Store
// describes. Callers guard it.
type Index struct {
	accounts map[string]*accountData
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{accounts: map[string]*accountData{}}
}

// Apply upserts everything in the change set.
func (x *Index) Apply(c domain.ChangeSet) {
	a, ok := x.accounts[c.Account]
	if !ok {
		a = newAccountData()
		x.accounts[c.Account] = a
	}
	for _, b := range c.Balances {
		a.balances[b.Key()] = b
	}
	for _, p := range c.LiquidityPositions {
		a.liquidity[p.ID] = p
	}
	for _, p := range c.LendingPositions {
		a.lending[p.ID] = p
	}
	for _, l := range c.Lots {
		a.lots[lotKey(l)] = l
	}
	a.disposals = append(a.disposals, c.Disposals...)
	for _, p := range c.Pools {
		a.pools[p.ID] = p
	}
	for _, m := range c.Markets {
		a.markets[m.ID] = m
	}
	for _, id := range c.EventIDs {
		a.eventIDs[id] = struct{}{}
	}
}

// Account returns every record of one account; an unknown account is empty.
func (x *Index) Account(account string) domain.AccountRecords {
	rec := domain.AccountRecords{Account: account}
	a, ok := x.accounts[account]
	if !ok {
		return rec
	}

	for _, b := range a.balances {
		rec.Balances = append(rec.Balances, b)
	}
	sort.Slice(rec.Balances, func(i, j int) bool { return rec.Balances[i].Key() < rec.Balances[j].Key() })
	rec.LiquidityPositions = x.OpenLiquidity(account, true)
	rec.LendingPositions = x.OpenLending(account, true)
	rec.Lots = x.Lots(account, "")
	rec.Disposals = x.Disposals(account, "")
	for _, p := range a.pools {
		rec.Pools = append(rec.Pools, p)
	}
	sort.Slice(rec.Pools, func(i, j int) bool { return rec.Pools[i].ID < rec.Pools[j].ID })
	for _, m := range a.markets {
		rec.Markets = append(rec.Markets, m)
	}
	sort.Slice(rec.Markets, func(i, j int) bool { return rec.Markets[i].ID < rec.Markets[j].ID })
	for id := range a.eventIDs {
		rec.EventIDs = append(rec.EventIDs, id)
	}
	sort.Strings(rec.EventIDs)
	return rec
}

// Accounts lists account ids, sorted.
func (x *Index) Accounts() []string {
	out := make([]string, 0, len(x.accounts))
	for id := range x.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OpenLiquidity lists liquidity positions, closed ones only when all is set.
func (x *Index) OpenLiquidity(account string, all bool) []domain.LiquidityPosition {
	a, ok := x.accounts[account]
	if !ok {
		return nil
	}
	var out []domain.LiquidityPosition
	for _, p := range a.liquidity {
		if all || p.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenLending lists lending positions, closed ones only when all is set.
func (x *Index) OpenLending(account string, all bool) []domain.LendingPosition {
	a, ok := x.accounts[account]
	if !ok {
		return nil
	}
	var out []domain.LendingPosition
	for _, p := range a.lending {
		if all || !p.Closed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lots lists lots of one asset, or all assets when assetID is empty, in
// matching order per asset.
func (x *Index) Lots(account, assetID string) []domain.TaxLot {
	a, ok := x.accounts[account]
	if !ok {
		return nil
	}
	var out []domain.TaxLot
	for _, l := range a.lots {
		if assetID == "" || l.Asset.ID == assetID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset.ID != out[j].Asset.ID {
			return out[i].Asset.ID < out[j].Asset.ID
		}
		return out[i].Before(out[j])
	})
	return out
}

// Disposals lists disposals of one asset, or all assets when assetID is
// empty, in the order they were committed.
func (x *Index) Disposals(account, assetID string) []domain.DisposalRecord {
	a, ok := x.accounts[account]
	if !ok {
		return nil
	}
	var out []domain.DisposalRecord
	for _, d := range a.disposals {
		if assetID == "" || d.Asset.ID == assetID {
			out = append(out, d)
		}
	}
	return out
}
