package domain

import (
	"encoding/json"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Uint256 is an unsigned 256-bit integer (liquidity, Q64.96 prices, X128 fee
// growth) that serializes as a decimal string.
type Uint256 struct {
	uint256.Int
}

// U256 wraps v.
func U256(v *uint256.Int) Uint256 {
	if v == nil {
		return Uint256{}
	}
	return Uint256{Int: *v}
}

// U256FromUint64 builds a small value.
func U256FromUint64(v uint64) Uint256 {
	return Uint256{Int: *uint256.NewInt(v)}
}

// ParseU256 parses a base-10 string.
func ParseU256(s string) (Uint256, error) {
	if s == "" {
		return Uint256{}, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Uint256{}, errors.Wrapf(err, "parse uint256 %q", s)
	}
	return Uint256{Int: *v}, nil
}

// MustU256 is ParseU256 that panics. Meant for constants and tests.
func MustU256(s string) Uint256 {
	v, err := ParseU256(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Ptr returns a pointer to a copy of the value, for use with uint256 arithmetic.
func (u Uint256) Ptr() *uint256.Int {
	v := u.Int
	return &v
}

// String renders the value in base 10.
func (u Uint256) String() string {
	return u.Int.Dec()
}

// Equal compares two values.
func (u Uint256) Equal(o Uint256) bool {
	return u.Int.Eq(&o.Int)
}

func (u Uint256) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Int.Dec())
}

func (u *Uint256) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "uint256 must be a decimal string")
	}
	v, err := ParseU256(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}
