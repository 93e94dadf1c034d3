package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/config"
	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/internal/engine"
	"github.com/vadiminshakov/holdings/internal/pricing"
	"github.com/vadiminshakov/holdings/internal/storage/memory"
)

const eventLines = `
{"kind":"acquisition_occurred","payload":{"id":"e1","account":"acct","at":"2024-01-10T00:00:00Z","lot_id":"l1","asset":{"id":"ETH","decimals":18,"class":"native"},"quantity":"2","unit_cost":"2000"}}

{"kind":"disposal_occurred","payload":{"id":"e2","account":"acct","at":"2024-05-10T00:00:00Z","asset":{"id":"ETH","decimals":18,"class":"native"},"quantity":"1","proceeds":"3500"}}
{"kind":"balance_observed","payload":{"id":"e3","account":"acct","at":"2024-05-10T00:00:00Z","asset":{"id":"ETH","decimals":18,"class":"native"},"quantity":"1","source":"wallet"}}
`

func TestReadEvents(t *testing.T) {
	evs, err := readEvents(strings.NewReader(eventLines))
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, domain.KindAcquisitionOccurred, evs[0].Kind())
	assert.Equal(t, "e2", evs[1].Meta().ID)

	_, err = readEvents(strings.NewReader("{\"kind\":\"unknown\",\"payload\":{}}\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	assert.Contains(t, err.Error(), "line 1")
}

func TestEngineConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.TaxRate = decimal.RequireFromString("0.3")

	ec := engineConfig(cfg)
	assert.Equal(t, "USD", ec.ReportingCurrency)
	assert.Equal(t, domain.MethodFIFO, ec.DefaultMethod)
	assert.Equal(t, "0.3", ec.TaxRate.String())
	assert.Equal(t, "1.1", ec.Risk.AtRiskBelow.String())

	_, err = engine.New(zap.NewNop(), memory.NewStore(), ec)
	assert.NoError(t, err)
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(zap.NewNop(), memory.NewStore(), engine.DefaultConfig())
	require.NoError(t, err)

	evs, err := readEvents(strings.NewReader(eventLines))
	require.NoError(t, err)
	require.NoError(t, e.IngestBatch(ctx, evs))

	market := pricing.Static{Currency: "USD", Prices: domain.PriceBook{"ETH": domain.MustMoney("3100")},
		AsOf: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	var out bytes.Buffer
	require.NoError(t, report(ctx, e, market, options{account: "acct", year: 2024}, &out))

	var got accountReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "3100", got.Snapshot.TotalValue.String())
	assert.Equal(t, "1500", got.Tax.Total.RealizedGain.String())
	assert.Equal(t, "315", got.Tax.EstimatedTax.String())
}
