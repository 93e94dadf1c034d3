package domain

import (
	"context"
	"time"
)

// PriceBook maps asset ids to their latest price in the reporting currency.
type PriceBook map[string]Money

// Lookup returns the price for asset. Wrapped, bridged and yield-bearing
// tokens fall back to their underlying asset; via names the asset actually
// priced (empty when the asset's own price was used).
func (b PriceBook) Lookup(asset Asset) (price Money, via string, ok bool) {
	if p, found := b[asset.ID]; found {
		return p, "", true
	}
	if under, has := asset.PriceFallback(); has {
		if p, found := b[under]; found {
			return p, under, true
		}
	}
	return Zero, "", false
}

// Clone returns an independent copy.
func (b PriceBook) Clone() PriceBook {
	out := make(PriceBook, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Set stores a price under the normalized asset id.
func (b PriceBook) Set(assetID string, price Money) {
	b[NormalizeID(assetID)] = price
}

// MarketData is the caller-supplied market view used for valuation.
type MarketData struct {
	// Currency is the ISO code of the reporting currency, e.g. "USD".
	Currency string `json:"currency"`
	Prices   PriceBook `json:"prices"`
	// Pools holds the latest observed state per pool id.
	Pools map[string]PoolState `json:"pools"`
	AsOf  time.Time            `json:"as_of"`
}

// PoolState returns the state for poolID.
func (m MarketData) PoolState(poolID string) (PoolState, bool) {
	s, ok := m.Pools[poolID]
	return s, ok
}

// PriceCache stores recent prices outside the process.
type PriceCache interface {
	// Prices returns cached prices for the requested assets; unknown assets are absent.
	Prices(ctx context.Context, assetIDs []string) (PriceBook, error)
	// Store writes prices with the cache's expiry.
	Store(ctx context.Context, prices PriceBook) error
}
