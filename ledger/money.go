package ledger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor currency units (pesewas, kobo, cents).
// All ledger arithmetic is done on Money; decimal is only used at the edges.
type Money int64

// MinorUnitExponent is the number of decimal places between major and minor units.
const MinorUnitExponent = 2

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -MinorUnitExponent)
}

// String formats the amount in major units with two decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorUnitExponent)
}

// Format renders the amount with a currency prefix, e.g. "GHS 12.50".
func (m Money) Format(currency string) string {
	if currency == "" {
		return m.String()
	}
	return currency + " " + m.String()
}

func (m Money) IsNegative() bool { return m < 0 }
func (m Money) IsPositive() bool { return m > 0 }

// MinMoney returns the smaller of a and b.
func MinMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// ParseMoney parses a major-unit string such as "12.5" into minor units.
// Values with more precision than the minor unit are rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a number: %q", s)}
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal converts a major-unit decimal to Money.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	minor := d.Shift(MinorUnitExponent)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, &ValidationError{Field: "amount", Reason: "has more than two decimal places"}
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, &ValidationError{Field: "amount", Reason: "out of range"}
	}
	return Money(minor.IntPart()), nil
}

// addMoney adds two non-negative amounts, reporting overflow.
func addMoney(a, b Money) (Money, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
