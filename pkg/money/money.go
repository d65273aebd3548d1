// Package money provides the fixed-precision decimal primitives used for
// every price, size, and balance in the system.
//
// All arithmetic goes through shopspring/decimal: add, sub, and mul are
// exact; division rounds half-to-even at 12 fractional digits. float64 is
// never acceptable for order sizes or rates — a rate string from the venue
// is parsed straight into a Decimal and stays one.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DivisionDigits is the internal precision for division results.
const DivisionDigits = 12

// DustEpsilon is the default threshold below which an amount is considered
// dust (1e-8 in the base unit). Venue minimums are enforced separately by
// the exchange adapter.
var DustEpsilon = decimal.New(1, -8)

var hundred = decimal.NewFromInt(100)

// FromString parses a decimal amount. Negative amounts are rejected: every
// monetary quantity in this system is non-negative.
func FromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("parse amount %q: negative", s)
	}
	return d, nil
}

// MustFromString is FromString for literals in tests and defaults.
// Panics on malformed input.
func MustFromString(s string) decimal.Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// PercentToRatio converts a percent value to a ratio: 1.0 means 1% → 0.01.
// The shift by two digits is exact.
func PercentToRatio(p decimal.Decimal) decimal.Decimal {
	return p.Shift(-2)
}

// ApplyPercent returns v adjusted by p percent: v + v·(p/100).
// A negative p reduces v; the buy and sell rung generators share this with
// opposite-sign inputs.
func ApplyPercent(v, p decimal.Decimal) decimal.Decimal {
	return v.Add(v.Mul(PercentToRatio(p)))
}

// DivRound divides a by b, rounding half-to-even at DivisionDigits
// fractional digits. The intermediate quotient carries two guard digits so
// the banker's rounding sees the true residue.
func DivRound(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, DivisionDigits+2).RoundBank(DivisionDigits)
}

// IsDust reports whether v is at or below the default dust threshold.
func IsDust(v decimal.Decimal) bool {
	return IsDustBelow(v, DustEpsilon)
}

// IsDustBelow reports whether v is at or below the given threshold.
func IsDustBelow(v, epsilon decimal.Decimal) bool {
	return v.LessThanOrEqual(epsilon)
}
