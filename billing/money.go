package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed two-place decimal quantities
// =============================================================================

// Scale is the number of decimal places stored for every money value,
// hour count and mileage figure.
const Scale = 2

var (
	sixty   = decimal.NewFromInt(60)
	hundred = decimal.NewFromInt(100)
)

// Round2 rounds half away from zero to two places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// MaxAmount bounds a single payment. Sums of bounded amounts stay well
// inside int64 cents.
var MaxAmount = decimal.New(1, 12)

// Cents converts a money value to integer cents after rounding. Values that
// don't fit in an int64 are rejected rather than wrapped.
func Cents(d decimal.Decimal) (int64, error) {
	c := Round2(d).Mul(hundred).BigInt()
	if !c.IsInt64() {
		return 0, Invalid("amount", fmt.Sprintf("%s is out of range", FormatMoney(d)))
	}
	return c.Int64(), nil
}

// FromCents converts integer cents back to a two-place decimal.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -Scale)
}

// FormatMoney renders a value as a plain decimal string, e.g. "125.00".
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// ParseMoney parses a plain decimal string. Empty input is zero.
func ParseMoney(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
