package domain

import "github.com/pkg/errors"

var (
	// ErrInvalidPositionRange lower bound is not strictly below the upper bound.
	ErrInvalidPositionRange = errors.New("invalid position range")
	// ErrPositionModeViolation isolation or e-mode rules are broken by a lending position.
	ErrPositionModeViolation = errors.New("position mode violation")
	// ErrInsufficientLots a disposal exceeds the open lot inventory.
	ErrInsufficientLots = errors.New("insufficient lots")
	// ErrPriceUnavailable no price is known for an asset.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrInconsistentEventOrder an event is older than the last applied one, or was already applied.
	ErrInconsistentEventOrder = errors.New("inconsistent event order")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidAsset  = errors.New("invalid asset")
	ErrInvalidEvent  = errors.New("invalid event")
	ErrNotFound      = errors.New("not found")
)

// IsDataInconsistency reports whether err signals inconsistent upstream data that
// requires a re-sync rather than a retry. API layers map these to 4xx responses.
func IsDataInconsistency(err error) bool {
	return errors.Is(err, ErrInsufficientLots) ||
		errors.Is(err, ErrPositionModeViolation) ||
		errors.Is(err, ErrInconsistentEventOrder) ||
		errors.Is(err, ErrInvalidPositionRange)
}

// IsInvalidInput reports whether err was caused by a malformed event or record.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAsset) ||
		errors.Is(err, ErrInvalidEvent)
}
