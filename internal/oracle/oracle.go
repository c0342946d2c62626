// Package oracle supplies current per-share prices to the engine. The engine
// consults it through the narrow Oracle interface; implementations may be a
// frozen historical snapshot, a live HTTP provider, or a TTL cache in front
// of either.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol marks a symbol that is not a known, active instrument.
// Any other oracle error means price data is unavailable.
var ErrUnknownSymbol = errors.New("oracle: unknown symbol")

// Quote is a price observation for one symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// Oracle returns the latest price for a symbol.
type Oracle interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}
