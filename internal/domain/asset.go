package domain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// maxAssetDecimals bounds declared precision; no real token exceeds it.
const maxAssetDecimals = 36

// AssetClass classifies how an asset came to exist on an account.
type AssetClass string

const (
	AssetClassNative       AssetClass = "native"
	AssetClassStandard     AssetClass = "standard_token"
	AssetClassBridged      AssetClass = "bridged_token"
	AssetClassWrapped      AssetClass = "wrapped_token"
	AssetClassLiquidity    AssetClass = "liquidity_token"
	AssetClassYieldBearing AssetClass = "yield_bearing_token"
	AssetClassDebt         AssetClass = "debt_token"
)

// IsValid reports whether c is one of the known classes.
func (c AssetClass) IsValid() bool {
	switch c {
	case AssetClassNative, AssetClassStandard, AssetClassBridged, AssetClassWrapped,
		AssetClassLiquidity, AssetClassYieldBearing, AssetClassDebt:
		return true
	}
	return false
}

// Asset is a holdable unit: a native coin, a token contract or a receipt token.
type Asset struct {
	// ID is the stable identifier (contract address or canonical symbol).
	ID string `json:"id"`
	// Symbol is the display ticker.
	Symbol string `json:"symbol"`
	// Decimals is the declared precision; every amount of this asset uses it.
	Decimals int32 `json:"decimals"`
	// Class is the asset classification.
	Class AssetClass `json:"class"`
	// Underlying points to the asset a wrapped, bridged or yield-bearing token
	// represents. Used as a price fallback.
	Underlying string `json:"underlying,omitempty"`
}

// NewAsset validates and normalizes an asset definition.
func NewAsset(id, symbol string, decimals int32, class AssetClass) (Asset, error) {
	a := Asset{ID: id, Symbol: symbol, Decimals: decimals, Class: class}
	return a.Normalize()
}

// Normalize validates the asset and canonicalizes its identifiers.
func (a Asset) Normalize() (Asset, error) {
	a.ID = NormalizeID(a.ID)
	if a.ID == "" {
		return Asset{}, errors.Wrap(ErrInvalidAsset, "asset id is required")
	}
	if a.Decimals < 0 || a.Decimals > maxAssetDecimals {
		return Asset{}, errors.Wrapf(ErrInvalidAsset, "asset %s: decimals must be within [0, %d], got %d",
			a.ID, maxAssetDecimals, a.Decimals)
	}
	if a.Class == "" {
		a.Class = AssetClassStandard
	}
	if !a.Class.IsValid() {
		return Asset{}, errors.Wrapf(ErrInvalidAsset, "asset %s: unknown class %q", a.ID, a.Class)
	}
	if a.Underlying != "" {
		a.Underlying = NormalizeID(a.Underlying)
	}
	if a.Symbol == "" {
		a.Symbol = a.ID
	}
	return a, nil
}

// Unit returns the smallest representable increment of the asset.
func (a Asset) Unit() Money {
	return NewMoney(decimal.New(1, -a.Decimals))
}

// Quantize rounds an amount to the asset's precision.
func (a Asset) Quantize(m Money) Money {
	return m.Quantize(a.Decimals)
}

// Fits reports whether m is already expressed in the asset's precision.
func (a Asset) Fits(m Money) bool {
	return m.HasScale(a.Decimals)
}

// FromRaw converts an integer amount of base units (wei, satoshi) to Money.
func (a Asset) FromRaw(raw *big.Int) Money {
	return NewMoney(decimal.NewFromBigInt(raw, -a.Decimals))
}

// ToRaw converts an amount to integer base units, truncating excess precision.
func (a Asset) ToRaw(m Money) *big.Int {
	return m.Decimal().Shift(a.Decimals).BigInt()
}

// PriceFallback returns the asset whose price may stand in for this one.
func (a Asset) PriceFallback() (string, bool) {
	switch a.Class {
	case AssetClassWrapped, AssetClassBridged, AssetClassYieldBearing:
		return a.Underlying, a.Underlying != ""
	}
	return "", false
}

// NormalizeID canonicalizes account, asset, pool and market identifiers.
// EVM addresses are rendered in EIP-55 checksum form so the same address always
// keys the same record; anything else is only trimmed.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// NormalizeAccount canonicalizes an account id (wallet address or exchange account).
func NormalizeAccount(account string) string {
	return NormalizeID(account)
}
