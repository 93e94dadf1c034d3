// Package lending computes health factors, borrowing power and liquidation
// risk bands of lending-protocol positions, and enforces isolation and
// e-mode rules when positions are registered.
package lending

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// Band classifies liquidation risk.
type Band string

const (
	BandHealthy      Band = "healthy"
	BandAtRisk       Band = "at_risk"
	BandLiquidatable Band = "liquidatable"
)

// Config holds the risk band thresholds and ratio precision.
type Config struct {
	// LiquidatableBelow: a health factor under it can be liquidated.
	LiquidatableBelow domain.Money
	// AtRiskBelow: a health factor under it is reported as at risk.
	AtRiskBelow domain.Money
	RatioScale  int32
}

// DefaultConfig returns thresholds 1.0 and 1.1 at 18 fractional digits.
func DefaultConfig() Config {
	return Config{
		LiquidatableBelow: domain.MoneyFromInt(1),
		AtRiskBelow:       domain.MustMoney("1.1"),
		RatioScale:        domain.DefaultRatioScale,
	}
}

// HealthFactor is collateral over debt, or NoDebt when nothing is borrowed.
type HealthFactor struct {
	value  domain.Money
	noDebt bool
}

// NoDebt is the health factor of an account without debt.
var NoDebt = HealthFactor{noDebt: true}

// NewHealthFactor wraps a finite ratio.
func NewHealthFactor(v domain.Money) HealthFactor {
	return HealthFactor{value: v}
}

// IsNoDebt reports the sentinel.
func (h HealthFactor) IsNoDebt() bool { return h.noDebt }

// Value returns the ratio; ok is false for NoDebt.
func (h HealthFactor) Value() (domain.Money, bool) {
	return h.value, !h.noDebt
}

func (h HealthFactor) String() string {
	if h.noDebt {
		return "no_debt"
	}
	return h.value.String()
}

// MarshalJSON writes "no_debt" or the decimal ratio as a string.
func (h HealthFactor) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (h *HealthFactor) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "health factor must be a string")
	}
	if s == "no_debt" {
		*h = NoDebt
		return nil
	}
	v, err := domain.ParseMoney(s)
	if err != nil {
		return errors.Wrapf(err, "parse health factor %q", s)
	}
	*h = NewHealthFactor(v)
	return nil
}

// PositionRisk is the per-position breakdown of a report.
type PositionRisk struct {
	PositionID           string             `json:"position_id"`
	MarketID             string             `json:"market_id"`
	Asset                string             `json:"asset"`
	Mode                 domain.LendingMode `json:"mode"`
	Price                domain.Money       `json:"price"`
	SuppliedValue        domain.Money       `json:"supplied_value"`
	CollateralValue      domain.Money       `json:"collateral_value"`
	BorrowingPower       domain.Money       `json:"borrowing_power"`
	DebtValue            domain.Money       `json:"debt_value"`
	LiquidationThreshold domain.Money       `json:"liquidation_threshold"`
	LTV                  domain.Money       `json:"ltv"`
	LiquidationBonus     domain.Money       `json:"liquidation_bonus"`
}

// Report is the health of all lending positions of one account.
type Report struct {
	Account string `json:"account"`
	// TotalCollateralValue is weighted by liquidation threshold.
	TotalCollateralValue domain.Money   `json:"total_collateral_value"`
	TotalSuppliedValue   domain.Money   `json:"total_supplied_value"`
	TotalDebtValue       domain.Money   `json:"total_debt_value"`
	BorrowingPower       domain.Money   `json:"borrowing_power"`
	AvailableToBorrow    domain.Money   `json:"available_to_borrow"`
	HealthFactor         HealthFactor   `json:"health_factor"`
	Band                 Band           `json:"band"`
	Positions            []PositionRisk `json:"positions"`
}

// Engine evaluates lending positions under a risk configuration.
type Engine struct {
	cfg Config
}

// NewEngine validates the thresholds.
func NewEngine(cfg Config) (*Engine, error) {
	if !cfg.LiquidatableBelow.IsPositive() {
		return nil, errors.New("liquidatable threshold must be positive")
	}
	if cfg.AtRiskBelow.LessThan(cfg.LiquidatableBelow) {
		return nil, errors.Errorf("at-risk threshold %s must not be below liquidatable threshold %s",
			cfg.AtRiskBelow, cfg.LiquidatableBelow)
	}
	if cfg.RatioScale <= 0 {
		cfg.RatioScale = domain.DefaultRatioScale
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Assess values every open position with the given prices. A missing market
// is ErrNotFound; a missing price for a position with non-zero exposure is
// ErrPriceUnavailable, since a health factor without it would be wrong.
func (e *Engine) Assess(account string, positions []domain.LendingPosition, markets map[string]domain.Market, prices domain.PriceBook) (Report, error) {
	report := Report{
		Account:              account,
		TotalCollateralValue: domain.Zero,
		TotalSuppliedValue:   domain.Zero,
		TotalDebtValue:       domain.Zero,
		BorrowingPower:       domain.Zero,
		AvailableToBorrow:    domain.Zero,
		Positions:            []PositionRisk{},
	}

	sorted := make([]domain.LendingPosition, 0, len(positions))
	for _, p := range positions {
		if !p.Closed && !p.IsEmpty() {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, p := range sorted {
		market, ok := markets[p.MarketID]
		if !ok {
			return Report{}, errors.Wrapf(domain.ErrNotFound, "market %s of position %s", p.MarketID, p.ID)
		}
		price, _, ok := prices.Lookup(market.Asset)
		if !ok {
			return Report{}, errors.Wrapf(domain.ErrPriceUnavailable, "asset %s of market %s", market.Asset.ID, market.ID)
		}

		risk := e.positionRisk(p, market, price)
		report.TotalSuppliedValue = report.TotalSuppliedValue.Add(risk.SuppliedValue)
		report.TotalCollateralValue = report.TotalCollateralValue.Add(risk.CollateralValue)
		report.BorrowingPower = report.BorrowingPower.Add(risk.BorrowingPower)
		report.TotalDebtValue = report.TotalDebtValue.Add(risk.DebtValue)
		report.Positions = append(report.Positions, risk)
	}

	report.HealthFactor = e.healthFactor(report.TotalCollateralValue, report.TotalDebtValue)
	report.Band = e.Classify(report.HealthFactor)
	if available := report.BorrowingPower.Sub(report.TotalDebtValue); available.IsPositive() {
		report.AvailableToBorrow = available
	}
	return report, nil
}

func (e *Engine) positionRisk(p domain.LendingPosition, market domain.Market, price domain.Money) PositionRisk {
	lt := market.ThresholdFor(p.Mode)
	ltv := market.LTVFor(p.Mode)

	supplied := p.Supplied.Mul(price)
	risk := PositionRisk{
		PositionID:           p.ID,
		MarketID:             market.ID,
		Asset:                market.Asset.ID,
		Mode:                 p.Mode,
		Price:                price,
		SuppliedValue:        supplied,
		CollateralValue:      domain.Zero,
		BorrowingPower:       domain.Zero,
		DebtValue:            p.Debt().Mul(price),
		LiquidationThreshold: lt,
		LTV:                  ltv,
		LiquidationBonus:     market.LiquidationBonus,
	}
	if p.IsCollateral() {
		risk.CollateralValue = supplied.Mul(lt)
		risk.BorrowingPower = supplied.Mul(ltv)
	}
	return risk
}

func (e *Engine) healthFactor(collateral, debt domain.Money) HealthFactor {
	if !debt.IsPositive() {
		return NoDebt
	}
	return NewHealthFactor(collateral.DivRound(debt, e.cfg.RatioScale))
}

// Classify maps a health factor to its band.
func (e *Engine) Classify(h HealthFactor) Band {
	v, ok := h.Value()
	switch {
	case !ok:
		return BandHealthy
	case v.LessThan(e.cfg.LiquidatableBelow):
		return BandLiquidatable
	case v.LessThan(e.cfg.AtRiskBelow):
		return BandAtRisk
	default:
		return BandHealthy
	}
}
