package domain

import (
	"context"
)

// ChangeSet is everything one applied event changed for one account. Stores
// apply a change set atomically: either all of it is visible or none.
type ChangeSet struct {
	Account            string              `json:"account"`
	Balances           []SpotBalance       `json:"balances,omitempty"`
	LiquidityPositions []LiquidityPosition `json:"liquidity_positions,omitempty"`
	LendingPositions   []LendingPosition   `json:"lending_positions,omitempty"`
	// Lots are upserted by lot id.
	Lots []TaxLot `json:"lots,omitempty"`
	// Disposals are append-only.
	Disposals []DisposalRecord `json:"disposals,omitempty"`
	Pools     []Pool           `json:"pools,omitempty"`
	Markets   []Market         `json:"markets,omitempty"`
	EventIDs  []string         `json:"event_ids,omitempty"`
}

// IsEmpty reports a change set that changes nothing.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Balances) == 0 && len(c.LiquidityPositions) == 0 && len(c.LendingPositions) == 0 &&
		len(c.Lots) == 0 && len(c.Disposals) == 0 && len(c.Pools) == 0 && len(c.Markets) == 0 &&
		len(c.EventIDs) == 0
}

// AccountRecords is the full persisted state of one account, plus the pools
// and markets its positions reference.
type AccountRecords struct {
	Account            string
	Balances           []SpotBalance
	LiquidityPositions []LiquidityPosition
	LendingPositions   []LendingPosition
	Lots               []TaxLot
	Disposals          []DisposalRecord
	Pools              []Pool
	Markets            []Market
	EventIDs           []string
}

// Store is the persistence contract. Balances are keyed by (account, asset,
// source), lots and disposals by (account, asset), liquidity positions by
// (account, pool, id) and lending positions by (account, market, id).
type Store interface {
	Commit(ctx context.Context, changes ChangeSet) error
	LoadAccount(ctx context.Context, account string) (AccountRecords, error)
	Accounts(ctx context.Context) ([]string, error)
	ListOpenLiquidityPositions(ctx context.Context, account string) ([]LiquidityPosition, error)
	ListOpenLendingPositions(ctx context.Context, account string) ([]LendingPosition, error)
	ListLots(ctx context.Context, account, assetID string) ([]TaxLot, error)
	ListDisposals(ctx context.Context, account, assetID string) ([]DisposalRecord, error)
	Close() error
}

// Locker serializes writers of one account across processes.
type Locker interface {
	Lock(ctx context.Context, account string) (unlock func(), err error)
}
