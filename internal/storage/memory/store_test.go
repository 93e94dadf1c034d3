package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/holdings/internal/domain"
)

var (
	at  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	btc = domain.Asset{ID: "BTC", Decimals: 8, Class: domain.AssetClassNative}
	eth = domain.Asset{ID: "ETH", Decimals: 18, Class: domain.AssetClassNative}
)

func TestStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	lot1 := domain.TaxLot{ID: "l1", Account: "acct", Asset: btc, AcquiredAt: at, OriginalQuantity: domain.MustMoney("1"),
		QuantityRemaining: domain.MustMoney("1"), UnitCostBasis: domain.MustMoney("100"), Seq: 0}
	lot2 := lot1
	lot2.ID, lot2.Seq = "l2", 1
	ethLot := lot1
	ethLot.ID, ethLot.Asset = "e1", eth

	require.NoError(t, s.Commit(ctx, domain.ChangeSet{
		Account:  "acct",
		Balances: []domain.SpotBalance{{Account: "acct", Asset: btc, Quantity: domain.MustMoney("1"), Source: domain.SourceWallet}},
		Lots:     []domain.TaxLot{lot2, lot1, ethLot},
		LiquidityPositions: []domain.LiquidityPosition{
			{ID: "p1", Account: "acct", PoolID: "pool"},
			{ID: "p0", Account: "acct", PoolID: "pool", Closed: true},
		},
		LendingPositions: []domain.LendingPosition{{ID: "m1", Account: "acct", MarketID: "mkt", Closed: true}},
		EventIDs:         []string{"e1"},
	}))

	consumed := lot1
	consumed.QuantityRemaining = domain.Zero
	disposal := domain.DisposalRecord{ID: "d1", Account: "acct", Asset: btc, Quantity: domain.MustMoney("1"), DisposedAt: at}
	require.NoError(t, s.Commit(ctx, domain.ChangeSet{Account: "acct", Lots: []domain.TaxLot{consumed}, Disposals: []domain.DisposalRecord{disposal}}))

	lots, err := s.ListLots(ctx, "acct", "BTC")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "l1", lots[0].ID)
	assert.True(t, lots[0].QuantityRemaining.IsZero(), "lots are upserted by id")

	all, err := s.ListLots(ctx, "acct", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	open, err := s.ListOpenLiquidityPositions(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p1", open[0].ID)

	lendingOpen, err := s.ListOpenLendingPositions(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, lendingOpen)

	disposals, err := s.ListDisposals(ctx, "acct", "BTC")
	require.NoError(t, err)
	assert.Len(t, disposals, 1)

	rec, err := s.LoadAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, rec.LiquidityPositions, 2, "closed positions are retained")
	assert.Equal(t, []string{"e1"}, rec.EventIDs)

	accounts, err := s.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct"}, accounts)

	empty, err := s.LoadAccount(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty.Lots)

	require.NoError(t, s.Close())
	assert.Error(t, s.Commit(ctx, domain.ChangeSet{Account: "acct", EventIDs: []string{"x"}}))
}
