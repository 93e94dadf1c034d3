package walstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/internal/domain"
)

func TestStore_ReplayAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	btc := domain.Asset{ID: "BTC", Symbol: "BTC", Decimals: 8, Class: domain.AssetClassNative}
	usdc := domain.Asset{ID: "USDC", Symbol: "USDC", Decimals: 6, Class: domain.AssetClassStandard}
	market := domain.Market{ID: "aave-usdc", Asset: usdc, LTV: domain.MustMoney("0.75"), LiquidationThreshold: domain.MustMoney("0.78")}

	s, err := Open(zap.NewNop(), Config{Dir: dir, SyncWrites: true})
	require.NoError(t, err)

	lot := domain.TaxLot{ID: "l1", Account: "acct", Asset: btc, AcquiredAt: at,
		OriginalQuantity: domain.MustMoney("1"), QuantityRemaining: domain.MustMoney("1"), UnitCostBasis: domain.MustMoney("42000.5")}
	require.NoError(t, s.Commit(ctx, domain.ChangeSet{Account: "acct", Lots: []domain.TaxLot{lot}, EventIDs: []string{"ev-1"}}))

	lot.QuantityRemaining = domain.MustMoney("0.4")
	disposal := domain.DisposalRecord{
		ID: "d1", Account: "acct", Asset: btc, Quantity: domain.MustMoney("0.6"), Proceeds: domain.MustMoney("30000"),
		DisposedAt: at.Add(time.Hour), Method: domain.MethodLIFO,
		MatchedLots: []domain.MatchedLot{{LotID: "l1", QuantityTaken: domain.MustMoney("0.6"), CostBasisTaken: domain.MustMoney("25200.3")}},
	}
	require.NoError(t, s.Commit(ctx, domain.ChangeSet{Account: "acct", Lots: []domain.TaxLot{lot}, Disposals: []domain.DisposalRecord{disposal}}))

	position := domain.LendingPosition{ID: "p1", Account: "acct", MarketID: market.ID, Supplied: domain.MustMoney("100"),
		SuppliedAsCollateral: true, VariableDebt: domain.Zero, StableDebt: domain.Zero, Mode: domain.EMode(2), UpdatedAt: at}
	require.NoError(t, s.Commit(ctx, domain.ChangeSet{Account: "acct", LendingPositions: []domain.LendingPosition{position}, Markets: []domain.Market{market}}))
	require.NoError(t, s.Commit(ctx, domain.ChangeSet{Account: "acct"}), "empty change sets are skipped")
	assert.Equal(t, uint64(3), s.CurrentIndex())
	require.NoError(t, s.Close())

	reopened, err := Open(zap.NewNop(), Config{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.LoadAccount(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, rec.Lots, 1)
	assert.Equal(t, "0.4", rec.Lots[0].QuantityRemaining.String())
	require.Len(t, rec.Disposals, 1)
	assert.Equal(t, "4799.7", rec.Disposals[0].RealizedGain().String())
	assert.Equal(t, domain.MethodLIFO, rec.Disposals[0].Method)
	assert.Equal(t, []string{"ev-1"}, rec.EventIDs)
	require.Len(t, rec.LendingPositions, 1)
	assert.Equal(t, domain.EMode(2), rec.LendingPositions[0].Mode)
	require.Len(t, rec.Markets, 1)
	assert.True(t, rec.Markets[0].LiquidationThreshold.Equal(domain.MustMoney("0.78")))

	open, err := reopened.ListOpenLendingPositions(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	accounts, err := reopened.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct"}, accounts)
}

func TestStore_ClosedRejectsWrites(t *testing.T) {
	s, err := Open(nil, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Commit(context.Background(), domain.ChangeSet{Account: "acct", EventIDs: []string{"x"}})
	assert.Error(t, err)
	_, err = s.LoadAccount(context.Background(), "acct")
	assert.Error(t, err)
}
