// Package money implements fixed-point USD arithmetic in integer micros.
//
// One dollar is 1,000,000 micros. Every balance, reservation, charge and
// refund in the platform is an int64 micro count; floating point never
// touches a money value. Decimal strings cross the API boundary with at
// most four fractional digits and are rendered back the same way.
package money

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/packforge/dpp/internal/config"
)

var (
	// ErrMalformed rejects amounts that are not plain non-negative
	// decimals with at most four fractional digits. Signs, exponents,
	// grouping and currency symbols are all malformed on purpose.
	ErrMalformed = errors.New("money: malformed amount")

	// ErrTooLarge rejects amounts above the platform per-run maximum.
	ErrTooLarge = errors.New("money: amount exceeds maximum")
)

var usdPattern = regexp.MustCompile(`^\d+(\.\d{1,4})?$`)

var maxUSD = decimal.New(config.MaxReservationMicros, -6)

// ParseUSD converts a decimal USD string into micros.
func ParseUSD(s string) (int64, error) {
	if !usdPattern.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	// Compare before shifting so absurd inputs never reach IntPart,
	// which wraps silently on overflow.
	if d.Cmp(maxUSD) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrTooLarge, s)
	}

	return d.Shift(6).IntPart(), nil
}

// FormatUSD renders micros as a fixed four-decimal string. A value with
// sub-0.0001 precision rounds for display only; the stored micros are
// untouched. Round-tripping any string accepted by ParseUSD returns the
// same string padded to four decimals.
func FormatUSD(micros int64) string {
	return decimal.New(micros, -6).StringFixed(4)
}

// Clamp bounds a requested charge into [0, reserved]. The settle script
// applies the same cap server-side; this is the host-language twin used
// anywhere a charge is computed before it reaches the ledger.
func Clamp(requested, reserved int64) int64 {
	if requested < 0 {
		return 0
	}
	if requested > reserved {
		return reserved
	}
	return requested
}

// MinimumFee computes the non-refundable admission fee for a reservation:
// the greater of the platform floor and 2% of the reservation, never more
// than the reservation itself, capped at the platform ceiling.
func MinimumFee(reservedMicros int64) int64 {
	fee := reservedMicros * 2 / 100
	if fee < config.MinimumFeeFloorMicros {
		fee = config.MinimumFeeFloorMicros
	}
	if fee > config.MinimumFeeCeilingMicros {
		fee = config.MinimumFeeCeilingMicros
	}
	if fee > reservedMicros {
		fee = reservedMicros
	}
	return fee
}
