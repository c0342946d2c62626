// Package commission computes the brokerage fee charged on a trade.
package commission

import (
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/money"
)

// Rate is the fee charged per unit of trade value (0.1%).
var Rate = decimal.RequireFromString("0.001")

// Fee returns round(tradeValue × Rate, 2), rounded half away from zero.
// It is never negative.
func Fee(tradeValue decimal.Decimal) decimal.Decimal {
	if !tradeValue.IsPositive() {
		return decimal.Zero
	}
	return money.Round(tradeValue.Mul(Rate))
}
