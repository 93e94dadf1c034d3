package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CostBasisMethod selects which lots a disposal consumes.
type CostBasisMethod string

const (
	MethodFIFO        CostBasisMethod = "fifo"
	MethodLIFO        CostBasisMethod = "lifo"
	MethodAverageCost CostBasisMethod = "average_cost"
)

// ParseCostBasisMethod accepts fifo, lifo and average_cost (also "avg", "average").
func ParseCostBasisMethod(s string) (CostBasisMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fifo":
		return MethodFIFO, nil
	case "lifo":
		return MethodLIFO, nil
	case "average_cost", "average", "avg", "acb":
		return MethodAverageCost, nil
	}
	return "", errors.Wrapf(ErrInvalidEvent, "unknown cost basis method %q", s)
}

func (m CostBasisMethod) String() string { return string(m) }

// IsValid reports whether m is a known method.
func (m CostBasisMethod) IsValid() bool {
	switch m {
	case MethodFIFO, MethodLIFO, MethodAverageCost:
		return true
	}
	return false
}

// TaxLot is a quantity of an asset acquired at one time for one unit cost.
// Lots are never deleted; a fully consumed lot keeps QuantityRemaining == 0.
type TaxLot struct {
	ID                string    `json:"id"`
	Account           string    `json:"account"`
	Asset             Asset     `json:"asset"`
	AcquiredAt        time.Time `json:"acquired_at"`
	OriginalQuantity  Money     `json:"original_quantity"`
	QuantityRemaining Money     `json:"quantity_remaining"`
	UnitCostBasis     Money     `json:"unit_cost_basis"`
	// Seq breaks ties between lots with identical AcquiredAt.
	Seq uint64 `json:"seq"`
}

// IsOpen reports remaining inventory.
func (l TaxLot) IsOpen() bool {
	return l.QuantityRemaining.IsPositive()
}

// RemainingCost is QuantityRemaining × UnitCostBasis.
func (l TaxLot) RemainingCost() Money {
	return l.QuantityRemaining.Mul(l.UnitCostBasis)
}

// Before orders lots by acquisition time, then by insertion.
func (l TaxLot) Before(o TaxLot) bool {
	if !l.AcquiredAt.Equal(o.AcquiredAt) {
		return l.AcquiredAt.Before(o.AcquiredAt)
	}
	return l.Seq < o.Seq
}

// MatchedLot is the share of one lot consumed by a disposal.
type MatchedLot struct {
	LotID          string `json:"lot_id"`
	QuantityTaken  Money  `json:"quantity_taken"`
	CostBasisTaken Money  `json:"cost_basis_taken"`
}

// DisposalRecord is an immutable realized sale.
type DisposalRecord struct {
	ID          string          `json:"id"`
	Account     string          `json:"account"`
	Asset       Asset           `json:"asset"`
	Quantity    Money           `json:"quantity"`
	Proceeds    Money           `json:"proceeds"`
	DisposedAt  time.Time       `json:"disposed_at"`
	Method      CostBasisMethod `json:"method"`
	MatchedLots []MatchedLot    `json:"matched_lots"`
}

// CostBasis is the sum of cost basis taken from all matched lots.
func (d DisposalRecord) CostBasis() Money {
	total := Zero
	for _, m := range d.MatchedLots {
		total = total.Add(m.CostBasisTaken)
	}
	return total
}

// RealizedGain is proceeds minus cost basis; negative for a loss.
func (d DisposalRecord) RealizedGain() Money {
	return d.Proceeds.Sub(d.CostBasis())
}
