package trade

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/money"
)

// Position is a holding marked to market.
type Position struct {
	model.Holding
	CostBasis      decimal.Decimal  `json:"cost_basis"`
	MarketPrice    *decimal.Decimal `json:"market_price,omitempty"`
	MarketValue    *decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedGain *decimal.Decimal `json:"unrealized_gain,omitempty"`
	PriceError     string           `json:"price_error,omitempty"`
}

// Portfolio summarizes an account's cash and positions.
type Portfolio struct {
	AccountID      string          `json:"account_id"`
	Wallet         model.Wallet    `json:"wallet"`
	Positions      []Position      `json:"positions"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	MarketValue    decimal.Decimal `json:"market_value"` // priced positions only
	UnrealizedGain decimal.Decimal `json:"unrealized_gain"`
	TotalValue     decimal.Decimal `json:"total_value"` // cash + market value
}

// Portfolio reads the wallet and holdings without locking and prices each
// position with the oracle. A position whose price is unavailable is
// reported without a market value; no fallback price is used.
func (e *Engine) Portfolio(ctx context.Context, accountID string) (*Portfolio, error) {
	w, err := e.store.GetWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	holdings, err := e.store.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	p := &Portfolio{
		AccountID:      accountID,
		Wallet:         *w,
		Positions:      make([]Position, 0, len(holdings)),
		CostBasis:      decimal.Zero,
		MarketValue:    decimal.Zero,
		UnrealizedGain: decimal.Zero,
	}
	for _, h := range holdings {
		pos := Position{Holding: h, CostBasis: money.Round(h.CostBasis())}
		p.CostBasis = p.CostBasis.Add(pos.CostBasis)

		q, err := e.validator.Resolve(ctx, h.Symbol)
		if err != nil {
			pos.PriceError = model.ReasonOf(err)
			p.Positions = append(p.Positions, pos)
			continue
		}
		value := money.Round(q.Price.Mul(decimal.NewFromInt(h.Quantity)))
		gain := value.Sub(pos.CostBasis)
		pos.MarketPrice = &q.Price
		pos.MarketValue = &value
		pos.UnrealizedGain = &gain

		p.MarketValue = p.MarketValue.Add(value)
		p.UnrealizedGain = p.UnrealizedGain.Add(gain)
		p.Positions = append(p.Positions, pos)
	}
	p.TotalValue = w.Balance.Add(p.MarketValue)
	return p, nil
}
