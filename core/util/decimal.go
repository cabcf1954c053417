package util

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses a venue-supplied numeric string, treating the empty
// string as zero. Venue payloads frequently omit numeric fields rather than
// sending "0".
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// MustDecimal parses a compile-time constant decimal. Panics on malformed
// input, so it is only for literals.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// SpreadPercent computes |perp - spot| / spot * 100. Returns an error when
// the spot price is zero because the ratio is undefined.
func SpreadPercent(spot, perp decimal.Decimal) (decimal.Decimal, error) {
	if spot.IsZero() {
		return decimal.Zero, fmt.Errorf("spread undefined: spot price is zero")
	}
	return perp.Sub(spot).Abs().Div(spot).Mul(decimal.NewFromInt(100)), nil
}
