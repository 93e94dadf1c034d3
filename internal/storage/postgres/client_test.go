package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/holdings/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/holdings?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "holdings"}))
	assert.Equal(t, "postgres://u:p@db:6432/holdings?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6432, User: "u", Password: "p", Database: "holdings", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationFiles(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}

func TestChangeSetBatch(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	eth := domain.Asset{ID: "ETH", Decimals: 18, Class: domain.AssetClassNative}
	c := domain.ChangeSet{
		Account:  "acct",
		Balances: []domain.SpotBalance{{Account: "acct", Asset: eth, Quantity: domain.MustMoney("2"), Source: domain.SourceWallet, ObservedAt: at}},
		Lots: []domain.TaxLot{{ID: "l1", Account: "acct", Asset: eth, AcquiredAt: at,
			OriginalQuantity: domain.MustMoney("2"), QuantityRemaining: domain.MustMoney("2"), UnitCostBasis: domain.MustMoney("3000")}},
		EventIDs: []string{"e1", "e2"},
	}

	b, err := changeSetBatch(c)
	require.NoError(t, err)
	// account + balance + lot + two event ids
	assert.Equal(t, 5, b.Len())
}
