package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/commission"
	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/money"
	"github.com/simbroker/ledger-engine/internal/oracle"
	"github.com/simbroker/ledger-engine/internal/symbol"
)

// DefaultMaxQuantity is the largest share count a single order may carry.
const DefaultMaxQuantity int64 = 1_000_000

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	AccountID string     `json:"account_id"`
	Symbol    string     `json:"symbol"`
	Side      model.Side `json:"side"` // "BUY" or "SELL"
	Quantity  int64      `json:"quantity"`
}

// Validator runs the order checks in their fixed order: request shape,
// instrument lookup, then funds or shares against the locked account.
type Validator struct {
	MaxQuantity int64
	Oracle      oracle.Oracle
}

// NewValidator creates a validator. maxQuantity <= 0 uses DefaultMaxQuantity.
func NewValidator(o oracle.Oracle, maxQuantity int64) *Validator {
	if maxQuantity <= 0 {
		maxQuantity = DefaultMaxQuantity
	}
	return &Validator{MaxQuantity: maxQuantity, Oracle: o}
}

// CheckRequest validates the request shape and returns it normalized.
func (v *Validator) CheckRequest(req OrderRequest) (OrderRequest, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return req, &model.ValidationError{Message: "account_id is required"}
	}

	req.Side = model.Side(strings.ToUpper(string(req.Side)))
	if !req.Side.Valid() {
		return req, &model.ValidationError{Message: "side must be BUY or SELL"}
	}

	if req.Quantity <= 0 || req.Quantity > v.MaxQuantity {
		return req, &model.ValidationError{
			Message: fmt.Sprintf("quantity must be a whole number between 1 and %d", v.MaxQuantity),
		}
	}

	sym, err := symbol.Parse(req.Symbol)
	if err != nil {
		return req, &model.ValidationError{Message: err.Error()}
	}
	req.Symbol = sym
	return req, nil
}

// Resolve looks up the instrument and returns its quote with the price pinned
// to cents. Any oracle failure other than an unknown symbol means the price
// is unavailable; no fallback price is substituted.
func (v *Validator) Resolve(ctx context.Context, sym string) (oracle.Quote, error) {
	q, err := v.Oracle.GetPrice(ctx, sym)
	if errors.Is(err, oracle.ErrUnknownSymbol) {
		return oracle.Quote{}, &model.SymbolNotFoundError{Symbol: sym}
	}
	if err != nil {
		return oracle.Quote{}, &model.ExternalDataUnavailableError{Symbol: sym, Err: err}
	}

	q.Price = money.Round(q.Price)
	if !q.Price.IsPositive() {
		return oracle.Quote{}, &model.ExternalDataUnavailableError{
			Symbol: sym,
			Err:    fmt.Errorf("non-positive price %s", q.Price),
		}
	}
	return q, nil
}

// CheckPosition verifies the locked wallet covers a buy, or the locked
// holding covers a sell, at the pinned price. h may be nil.
func (v *Validator) CheckPosition(w *model.Wallet, h *model.Holding, side model.Side, sym string, qty int64, price decimal.Decimal) error {
	switch side {
	case model.SideBuy:
		gross := money.Round(price.Mul(decimal.NewFromInt(qty)))
		required := gross.Add(commission.Fee(gross))
		if required.GreaterThan(w.Balance) {
			return &model.InsufficientFundsError{Required: required, Available: w.Balance}
		}
	case model.SideSell:
		var owned int64
		if h != nil {
			owned = h.Quantity
		}
		if owned < qty {
			return &model.InsufficientSharesError{Symbol: sym, Owned: owned, Requested: qty}
		}
	default:
		return &model.ValidationError{Message: "side must be BUY or SELL"}
	}
	return nil
}
