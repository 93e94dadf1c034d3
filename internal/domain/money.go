// Package domain defines the canonical holdings model: money, assets, positions,
// tax lots, inbound events and the persistence contract.
package domain

import (
	"github.com/shopspring/decimal"
)

const (
	// DefaultCostScale is the number of fractional digits kept for unit cost basis.
	DefaultCostScale int32 = 18
	// DefaultRatioScale is the number of fractional digits kept for ratios (health factor).
	DefaultRatioScale int32 = 18
	// PriceScale is the number of fractional digits kept for prices derived from ticks.
	PriceScale int32 = 30
)

// Money is an exact decimal amount. It is used for quantities, prices, fees and
// ratios alike; it never goes through binary floating point.
//
// All division goes through DivRound which applies round-half-even at an
// explicit scale.
type Money struct {
	value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{value: decimal.Zero}

// NewMoney wraps a decimal value.
func NewMoney(d decimal.Decimal) Money {
	return Money{value: d}
}

// MoneyFromInt builds an integral amount.
func MoneyFromInt(v int64) Money {
	return Money{value: decimal.NewFromInt(v)}
}

// ParseMoney parses a decimal string such as "1234.5600".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{value: d}, nil
}

// MustMoney is ParseMoney that panics on malformed input. Meant for constants and tests.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal exposes the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.value }

// Add, Sub and Mul are exact: no rounding is applied.
func (m Money) Add(n Money) Money { return Money{value: m.value.Add(n.value)} }

// Sub returns m - n.
func (m Money) Sub(n Money) Money { return Money{value: m.value.Sub(n.value)} }

// Mul returns m * n at full precision; callers quantize.
func (m Money) Mul(n Money) Money { return Money{value: m.value.Mul(n.value)} }

// Neg returns -m.
func (m Money) Neg() Money { return Money{value: m.value.Neg()} }

// Abs returns |m|.
func (m Money) Abs() Money { return Money{value: m.value.Abs()} }

// Cmp returns -1, 0 or +1 as m is less than, equal to or greater than n.
// Comparisons ignore trailing zeros, so 1.50 equals 1.5.
func (m Money) Cmp(n Money) int { return m.value.Cmp(n.value) }

// Equal reports whether m and n are numerically equal.
func (m Money) Equal(n Money) bool { return m.value.Equal(n.value) }

// IsZero reports whether m == 0.
func (m Money) IsZero() bool { return m.value.IsZero() }

// IsPositive reports whether m > 0.
func (m Money) IsPositive() bool { return m.value.IsPositive() }

// IsNegative reports whether m < 0.
func (m Money) IsNegative() bool { return m.value.IsNegative() }

// LessThan reports whether m < n.
func (m Money) LessThan(n Money) bool { return m.value.LessThan(n.value) }

// LessThanOrEqual reports whether m <= n.
func (m Money) LessThanOrEqual(n Money) bool { return m.value.LessThanOrEqual(n.value) }

// GreaterThan reports whether m > n.
func (m Money) GreaterThan(n Money) bool { return m.value.GreaterThan(n.value) }

// GreaterThanOrEqual reports whether m >= n.
func (m Money) GreaterThanOrEqual(n Money) bool { return m.value.GreaterThanOrEqual(n.value) }

// String formats m without an exponent and without trailing zeros.
func (m Money) String() string { return m.value.String() }

// Min returns the smaller of m and n.
func (m Money) Min(n Money) Money {
	if m.LessThanOrEqual(n) {
		return m
	}
	return n
}

// Quantize rounds m to scale fractional digits using round-half-even.
func (m Money) Quantize(scale int32) Money {
	return Money{value: m.value.RoundBank(scale)}
}

// Truncate drops fractional digits beyond scale (toward zero).
func (m Money) Truncate(scale int32) Money {
	return Money{value: m.value.Truncate(scale)}
}

// HasScale reports whether m is representable with at most scale fractional digits.
func (m Money) HasScale(scale int32) bool {
	return m.value.Equal(m.value.Truncate(scale))
}

// DivRound divides m by d and rounds the quotient to scale fractional digits,
// half-even. It panics when d is zero, like decimal division.
func (m Money) DivRound(d Money, scale int32) Money {
	q, r := m.value.QuoRem(d.value, scale)
	if r.IsZero() {
		return Money{value: q}
	}

	unit := decimal.New(1, -scale)
	// |r| / |d| is the discarded fraction of one unit at scale.
	twice := r.Abs().Mul(decimal.NewFromInt(2))
	limit := d.value.Abs().Mul(unit)

	roundAway := false
	switch twice.Cmp(limit) {
	case 1:
		roundAway = true
	case 0:
		lastDigit := q.Abs().Shift(scale).BigInt()
		roundAway = lastDigit.Bit(0) == 1
	}
	if !roundAway {
		return Money{value: q}
	}

	if m.value.Sign()*d.value.Sign() < 0 {
		return Money{value: q.Sub(unit)}
	}
	return Money{value: q.Add(unit)}
}

// MarshalJSON encodes money as a quoted decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return m.value.MarshalJSON()
}

// UnmarshalJSON accepts quoted or bare decimal numbers.
func (m *Money) UnmarshalJSON(b []byte) error {
	return m.value.UnmarshalJSON(b)
}

// MarshalText lets Money be used in YAML and map keys.
func (m Money) MarshalText() ([]byte, error) {
	return m.value.MarshalText()
}

// UnmarshalText parses a decimal string.
func (m *Money) UnmarshalText(b []byte) error {
	return m.value.UnmarshalText(b)
}

// Sum adds all amounts.
func Sum(values ...Money) Money {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
