// Package money holds the fixed-point rules shared by every monetary
// computation in the engine: two decimal places, rounded half away from zero.
package money

import (
	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Places is the number of decimal places money is kept at.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Round rounds d to cents, half away from zero (1.005 → 1.01, -1.005 → -1.01).
// decimal.Round implements exactly this rule; RoundBank is never used.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// IsCents reports whether d has no precision beyond whole cents.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(Round(d))
}

// Cents converts d to an integer number of cents after rounding.
func Cents(d decimal.Decimal) int64 {
	return Round(d).Mul(hundred).IntPart()
}

// FromCents converts an integer number of cents to a decimal amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -Places)
}

// Display formats d as a US dollar amount for user-facing messages,
// e.g. "$1,204.50".
func Display(d decimal.Decimal) string {
	return gomoney.New(Cents(d), gomoney.USD).Display()
}
