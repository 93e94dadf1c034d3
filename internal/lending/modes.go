package lending

import (
	"github.com/pkg/errors"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// participates reports whether a position counts toward mode rules: only
// positions with collateral or debt constrain the account.
func participates(p domain.LendingPosition) bool {
	return !p.Closed && (p.IsCollateral() || p.HasDebt())
}

// ValidateModes checks that registering candidate next to the account's
// existing positions keeps isolation and e-mode rules intact:
//
//   - once any position is in isolation mode the whole account is isolated:
//     every participating position must be in isolation mode, isolation
//     collateral may only sit in an isolation-enabled market, and the account
//     may use at most one isolation-enabled market;
//   - once any position is in e-mode(c), every participating position must be
//     in e-mode(c) on a market of category c.
//
// A violation is reported as ErrPositionModeViolation; nothing is corrected.
func ValidateModes(existing []domain.LendingPosition, candidate domain.LendingPosition, markets map[string]domain.Market) error {
	if !participates(candidate) {
		return nil
	}

	active := make([]domain.LendingPosition, 0, len(existing)+1)
	for _, p := range existing {
		if p.ID == candidate.ID {
			continue
		}
		if participates(p) {
			active = append(active, p)
		}
	}
	active = append(active, candidate)

	for _, p := range active {
		if _, ok := markets[p.MarketID]; !ok {
			return errors.Wrapf(domain.ErrNotFound, "market %s of position %s", p.MarketID, p.ID)
		}
	}

	if err := validateIsolation(active, markets); err != nil {
		return err
	}
	return validateEMode(active, markets)
}

func validateIsolation(active []domain.LendingPosition, markets map[string]domain.Market) error {
	owner := ""
	for _, p := range active {
		if p.Mode.Kind == domain.ModeIsolation {
			owner = p.ID
			break
		}
	}
	if owner == "" {
		return nil
	}

	isolated := ""
	for _, p := range active {
		if p.Mode.Kind != domain.ModeIsolation {
			return errors.Wrapf(domain.ErrPositionModeViolation,
				"position %s in %s mode cannot be mixed with isolation mode of position %s", p.ID, p.Mode, owner)
		}
		m := markets[p.MarketID]
		if p.IsCollateral() && !m.IsolationEnabled {
			return errors.Wrapf(domain.ErrPositionModeViolation,
				"position %s: market %s is not isolation-enabled", p.ID, m.ID)
		}
		if !m.IsolationEnabled {
			continue
		}
		if isolated != "" && isolated != m.ID {
			return errors.Wrapf(domain.ErrPositionModeViolation,
				"position %s: account already uses isolation market %s, cannot also use %s", p.ID, isolated, m.ID)
		}
		isolated = m.ID
	}
	return nil
}

func validateEMode(active []domain.LendingPosition, markets map[string]domain.Market) error {
	var (
		category uint8
		owner    string
	)
	for _, p := range active {
		if p.Mode.Kind == domain.ModeEMode {
			if category != 0 && category != p.Mode.Category {
				return errors.Wrapf(domain.ErrPositionModeViolation,
					"position %s: e-mode category %d conflicts with category %d of position %s", p.ID, p.Mode.Category, category, owner)
			}
			category, owner = p.Mode.Category, p.ID
		}
	}
	if category == 0 {
		return nil
	}

	for _, p := range active {
		if p.Mode.Kind != domain.ModeEMode {
			return errors.Wrapf(domain.ErrPositionModeViolation,
				"position %s in %s mode cannot be mixed with e-mode category %d", p.ID, p.Mode, category)
		}
		if m := markets[p.MarketID]; m.EModeCategory != category {
			return errors.Wrapf(domain.ErrPositionModeViolation,
				"position %s: market %s belongs to e-mode category %d, not %d", p.ID, m.ID, m.EModeCategory, category)
		}
	}
	return nil
}
