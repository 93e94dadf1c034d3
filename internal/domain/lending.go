package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ModeKind is the borrowing mode of a lending position.
type ModeKind string

const (
	ModeStandard  ModeKind = "standard"
	ModeIsolation ModeKind = "isolation"
	ModeEMode     ModeKind = "emode"
)

// LendingMode is standard, isolation or e-mode with a category.
type LendingMode struct {
	Kind     ModeKind `json:"kind"`
	Category uint8    `json:"category,omitempty"`
}

var (
	StandardMode  = LendingMode{Kind: ModeStandard}
	IsolationMode = LendingMode{Kind: ModeIsolation}
)

// EMode returns the efficiency mode for a category.
func EMode(category uint8) LendingMode {
	return LendingMode{Kind: ModeEMode, Category: category}
}

// String renders "standard", "isolation" or "emode:<category>".
func (m LendingMode) String() string {
	if m.Kind == ModeEMode {
		return fmt.Sprintf("%s:%d", m.Kind, m.Category)
	}
	if m.Kind == "" {
		return string(ModeStandard)
	}
	return string(m.Kind)
}

// ParseLendingMode is the inverse of LendingMode.String.
func ParseLendingMode(s string) (LendingMode, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == string(ModeStandard):
		return StandardMode, nil
	case s == string(ModeIsolation):
		return IsolationMode, nil
	case strings.HasPrefix(s, string(ModeEMode)+":"):
		c, err := strconv.ParseUint(strings.TrimPrefix(s, string(ModeEMode)+":"), 10, 8)
		if err != nil || c == 0 {
			return LendingMode{}, errors.Wrapf(ErrInvalidEvent, "invalid e-mode category in %q", s)
		}
		return EMode(uint8(c)), nil
	}
	return LendingMode{}, errors.Wrapf(ErrInvalidEvent, "unknown lending mode %q", s)
}

// Market is a lending-protocol reserve with its risk parameters.
type Market struct {
	ID    string `json:"id"`
	Asset Asset  `json:"asset"`
	// LTV is the loan-to-value used for borrowing power.
	LTV Money `json:"ltv"`
	// LiquidationThreshold weights supplied collateral in the health factor.
	LiquidationThreshold Money `json:"liquidation_threshold"`
	LiquidationBonus     Money `json:"liquidation_bonus"`
	// IsolationEnabled marks the reserve as an isolated collateral asset.
	IsolationEnabled bool `json:"isolation_enabled"`
	// EModeCategory is the correlated-asset category, 0 when none.
	EModeCategory uint8 `json:"emode_category,omitempty"`
	// EModeLTV and EModeLiquidationThreshold replace the reserve values for
	// positions in the matching e-mode.
	EModeLTV                  Money `json:"emode_ltv,omitempty"`
	EModeLiquidationThreshold Money `json:"emode_liquidation_threshold,omitempty"`
}

// Normalize validates the market parameters.
func (m Market) Normalize() (Market, error) {
	m.ID = NormalizeID(m.ID)
	if m.ID == "" {
		return Market{}, errors.Wrap(ErrInvalidEvent, "market id is required")
	}
	var err error
	if m.Asset, err = m.Asset.Normalize(); err != nil {
		return Market{}, errors.Wrapf(err, "market %s", m.ID)
	}
	one := MoneyFromInt(1)
	for name, v := range map[string]Money{
		"ltv":                   m.LTV,
		"liquidation threshold": m.LiquidationThreshold,
		"emode ltv":             m.EModeLTV,
		"emode threshold":       m.EModeLiquidationThreshold,
	} {
		if v.IsNegative() || v.GreaterThan(one) {
			return Market{}, errors.Wrapf(ErrInvalidEvent, "market %s: %s must be within [0, 1], got %s", m.ID, name, v)
		}
	}
	if m.LiquidationBonus.IsNegative() {
		return Market{}, errors.Wrapf(ErrInvalidEvent, "market %s: liquidation bonus must not be negative", m.ID)
	}
	return m, nil
}

// ThresholdFor returns the liquidation threshold that applies under mode.
func (m Market) ThresholdFor(mode LendingMode) Money {
	if mode.Kind == ModeEMode && mode.Category == m.EModeCategory && !m.EModeLiquidationThreshold.IsZero() {
		return m.EModeLiquidationThreshold
	}
	return m.LiquidationThreshold
}

// LTVFor returns the loan-to-value that applies under mode.
func (m Market) LTVFor(mode LendingMode) Money {
	if mode.Kind == ModeEMode && mode.Category == m.EModeCategory && !m.EModeLTV.IsZero() {
		return m.EModeLTV
	}
	return m.LTV
}

// LendingPosition is an account's supply and debt in one market.
type LendingPosition struct {
	ID                   string      `json:"id"`
	Account              string      `json:"account"`
	MarketID             string      `json:"market_id"`
	Supplied             Money       `json:"supplied"`
	SuppliedAsCollateral bool        `json:"supplied_as_collateral"`
	VariableDebt         Money       `json:"variable_debt"`
	StableDebt           Money       `json:"stable_debt"`
	Mode                 LendingMode `json:"mode"`
	Closed               bool        `json:"closed"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Debt is variable plus stable debt.
func (p LendingPosition) Debt() Money {
	return p.VariableDebt.Add(p.StableDebt)
}

// HasDebt reports outstanding debt.
func (p LendingPosition) HasDebt() bool {
	return p.Debt().IsPositive()
}

// IsCollateral reports whether the supply counts toward collateral.
func (p LendingPosition) IsCollateral() bool {
	return p.SuppliedAsCollateral && p.Supplied.IsPositive()
}

// IsEmpty reports a position with nothing supplied and nothing borrowed.
func (p LendingPosition) IsEmpty() bool {
	return p.Supplied.IsZero() && p.VariableDebt.IsZero() && p.StableDebt.IsZero()
}

// Validate checks amounts against the market asset precision.
func (p LendingPosition) Validate(market Market) error {
	for name, v := range map[string]Money{
		"supplied":      p.Supplied,
		"variable debt": p.VariableDebt,
		"stable debt":   p.StableDebt,
	} {
		if v.IsNegative() {
			return errors.Wrapf(ErrInvalidAmount, "lending position %s: %s must not be negative", p.ID, name)
		}
		if !market.Asset.Fits(v) {
			return errors.Wrapf(ErrInvalidAmount, "lending position %s: %s %s exceeds %d decimals",
				p.ID, name, v, market.Asset.Decimals)
		}
	}
	switch p.Mode.Kind {
	case ModeStandard, ModeIsolation:
	case ModeEMode:
		if p.Mode.Category == 0 {
			return errors.Wrapf(ErrInvalidEvent, "lending position %s: e-mode requires a category", p.ID)
		}
	default:
		return errors.Wrapf(ErrInvalidEvent, "lending position %s: unknown mode %q", p.ID, p.Mode.Kind)
	}
	return nil
}

// MarshalText renders the mode for text encoders.
func (m LendingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts both the object form and the "emode:1" string form.
func (m *LendingMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := ParseLendingMode(s)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	type plain LendingMode
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = LendingMode(p)
	if m.Kind == "" {
		m.Kind = ModeStandard
	}
	return nil
}
