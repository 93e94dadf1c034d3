package domain

import (
	"context"
	"time"
)

// SnapshotSource is the kind of holding a snapshot line came from.
type SnapshotSource string

const (
	SnapshotSpot      SnapshotSource = "spot"
	SnapshotLiquidity SnapshotSource = "liquidity"
	SnapshotLending   SnapshotSource = "lending"
)

// SnapshotLine is the valuation of one asset amount within one holding.
type SnapshotLine struct {
	Source SnapshotSource `json:"source"`
	// Ref identifies the holding: balance key, position id or lending position id.
	Ref      string `json:"ref"`
	Asset    Asset  `json:"asset"`
	Quantity Money  `json:"quantity"`
	Price    Money  `json:"price"`
	Value    Money  `json:"value"`
	// PricedVia is the underlying asset whose price was used, if any.
	PricedVia        string `json:"priced_via,omitempty"`
	PriceUnavailable bool   `json:"price_unavailable,omitempty"`
}

// AssetTotal aggregates all lines of one asset.
type AssetTotal struct {
	Asset    Asset `json:"asset"`
	Quantity Money `json:"quantity"`
	Value    Money `json:"value"`
}

// PortfolioSnapshot is a derived, point-in-time valuation. It is never stored
// as authoritative state; archives are read-only history.
type PortfolioSnapshot struct {
	Account           string                   `json:"account"`
	AsOf              time.Time                `json:"as_of"`
	ReportingCurrency string                   `json:"reporting_currency"`
	TotalValue        Money                    `json:"total_value"`
	BySource          map[SnapshotSource]Money `json:"by_source"`
	ByAsset           []AssetTotal             `json:"by_asset"`
	Lines             []SnapshotLine           `json:"lines"`
	// Unavailable lists asset ids whose contribution was excluded for lack of a price.
	Unavailable []string `json:"unavailable"`
}

// SnapshotArchiver persists snapshots as history.
type SnapshotArchiver interface {
	Archive(ctx context.Context, snapshot PortfolioSnapshot) (string, error)
}
