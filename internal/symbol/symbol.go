// Package symbol handles ticker symbol normalization and format validation.
// Whether a well-formed symbol is actually tradeable is decided by the price
// oracle, not here.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches exchange tickers such as AAPL, BRK.B or RDS-A.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// MaxLen is the longest accepted symbol.
const MaxLen = 10

// ErrInvalidSymbol is wrapped by every format failure.
var ErrInvalidSymbol = errors.New("invalid symbol")

// Normalize trims whitespace and upper-cases s.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Parse normalizes s and validates its format.
func Parse(s string) (string, error) {
	sym := Normalize(s)
	if sym == "" {
		return "", fmt.Errorf("%w: symbol is required", ErrInvalidSymbol)
	}
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q (expected 1-%d characters A-Z, 0-9, '.', '-')", ErrInvalidSymbol, s, MaxLen)
	}
	return sym, nil
}
