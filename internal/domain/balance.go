package domain

import (
	"time"

	"github.com/pkg/errors"
)

// SourceKind tags where a spot balance was observed. The engine never dispatches
// on it; it only keys balances so two sources don't overwrite each other.
type SourceKind string

const (
	SourceWallet   SourceKind = "wallet"
	SourceExchange SourceKind = "exchange"
	SourceProtocol SourceKind = "protocol"
)

// SpotBalance is a simple holding of an asset. A refresh replaces the previous
// row for the same (account, asset, source) wholesale.
type SpotBalance struct {
	Account    string     `json:"account"`
	Asset      Asset      `json:"asset"`
	Quantity   Money      `json:"quantity"`
	Source     SourceKind `json:"source"`
	SourceID   string     `json:"source_id,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Key identifies the balance row that a refresh supersedes.
func (b SpotBalance) Key() string {
	return BalanceKey(b.Asset.ID, b.Source, b.SourceID)
}

// BalanceKey builds the (asset, source) part of a balance key.
func BalanceKey(assetID string, source SourceKind, sourceID string) string {
	return assetID + "|" + string(source) + "|" + sourceID
}

// NewSpotBalance validates a balance observation.
func NewSpotBalance(account string, asset Asset, quantity Money, source SourceKind, sourceID string, observedAt time.Time) (SpotBalance, error) {
	account = NormalizeAccount(account)
	if account == "" {
		return SpotBalance{}, errors.Wrap(ErrInvalidEvent, "balance account is required")
	}
	asset, err := asset.Normalize()
	if err != nil {
		return SpotBalance{}, err
	}
	if quantity.IsNegative() {
		return SpotBalance{}, errors.Wrapf(ErrInvalidAmount, "balance of %s must not be negative, got %s", asset.ID, quantity)
	}
	if !asset.Fits(quantity) {
		return SpotBalance{}, errors.Wrapf(ErrInvalidAmount, "balance %s exceeds %d decimals of %s", quantity, asset.Decimals, asset.ID)
	}
	if source == "" {
		source = SourceWallet
	}

	return SpotBalance{
		Account:    account,
		Asset:      asset,
		Quantity:   quantity,
		Source:     source,
		SourceID:   sourceID,
		ObservedAt: observedAt.UTC(),
	}, nil
}
