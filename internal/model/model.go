// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order. PENDING transitions exactly
// once to COMPLETED or FAILED.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryBuy        EntryType = "BUY"
	EntrySell       EntryType = "SELL"
	EntryFee        EntryType = "FEE"
	EntryDeposit    EntryType = "DEPOSIT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
	EntryDividend   EntryType = "DIVIDEND"
)

// Funding reports whether the entry moves money in or out of the platform.
// Funding entries are mirrored by Wallet.TotalDeposited / TotalWithdrawn.
func (t EntryType) Funding() bool {
	return t == EntryDeposit || t == EntryWithdrawal
}

// Account is a user's brokerage identity. It owns exactly one Wallet.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Wallet is the virtual cash balance of an account. Balance never goes negative.
type Wallet struct {
	AccountID      string          `json:"account_id" db:"account_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is an account's position in one symbol. A holding that reaches
// zero shares is deleted, so Quantity is always > 0 for a stored row.
type Holding struct {
	AccountID            string          `json:"account_id" db:"account_id"`
	Symbol               string          `json:"symbol" db:"symbol"`
	Quantity             int64           `json:"quantity" db:"quantity"`
	AveragePurchasePrice decimal.Decimal `json:"average_purchase_price" db:"average_purchase_price"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis is quantity × average purchase price.
func (h Holding) CostBasis() decimal.Decimal {
	return h.AveragePurchasePrice.Mul(decimal.NewFromInt(h.Quantity))
}

// HoldingSnapshot records the quantity of a holding after each change, so the
// position can be reconstructed as of any instant (dividend record dates).
type HoldingSnapshot struct {
	AccountID string    `json:"account_id" db:"account_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Quantity  int64     `json:"quantity" db:"quantity"` // 0 after the holding is closed
	At        time.Time `json:"at" db:"at"`
}

// Order is an immutable intent record. Once terminal it is never modified.
type Order struct {
	ID            string           `json:"id" db:"id"`
	AccountID     string           `json:"account_id" db:"account_id"`
	Symbol        string           `json:"symbol" db:"symbol"`
	Side          Side             `json:"side" db:"side"`
	Quantity      int64            `json:"quantity" db:"quantity"`
	PricePerShare decimal.Decimal  `json:"price_per_share" db:"price_per_share"` // pinned at validation time
	CommissionFee decimal.Decimal  `json:"commission_fee" db:"commission_fee"`
	TotalAmount   decimal.Decimal  `json:"total_amount" db:"total_amount"` // buy: cost + fee, sell: proceeds − fee
	RealizedGain  *decimal.Decimal `json:"realized_gain,omitempty" db:"realized_gain"`
	Status        OrderStatus      `json:"status" db:"status"`
	FailureReason string           `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty" db:"executed_at"`
}

// LedgerEntry is an append-only record of a balance-affecting event.
// Amount is signed: credits positive, debits negative.
type LedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Type           EntryType       `json:"entry_type" db:"entry_type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after" db:"balance_after"`
	RelatedOrderID string          `json:"related_order_id,omitempty" db:"related_order_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Dividend is a cash dividend announcement for a symbol.
type Dividend struct {
	ID             string          `json:"id" db:"id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	PerShareAmount decimal.Decimal `json:"per_share_amount" db:"per_share_amount"`
	ExDate         time.Time       `json:"ex_date" db:"ex_date"`
	RecordDate     time.Time       `json:"record_date" db:"record_date"`
	PaymentDate    time.Time       `json:"payment_date" db:"payment_date"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// DividendPayment records one paid (dividend, account) pair. At most one
// exists per pair.
type DividendPayment struct {
	ID                 string          `json:"id" db:"id"`
	DividendID         string          `json:"dividend_id" db:"dividend_id"`
	AccountID          string          `json:"account_id" db:"account_id"`
	SharesAtRecordDate int64           `json:"shares_at_record_date" db:"shares_at_record_date"`
	AmountPaid         decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	LedgerEntryID      string          `json:"ledger_entry_id" db:"ledger_entry_id"`
	PaidAt             time.Time       `json:"paid_at" db:"paid_at"`
}

// JobRun is the observability record written by batch jobs.
type JobRun struct {
	ID         string    `json:"id" db:"id"`
	Job        string    `json:"job" db:"job"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	Succeeded  int       `json:"succeeded" db:"succeeded"`
	Failed     int       `json:"failed" db:"failed"`
	Detail     string    `json:"detail" db:"detail"`
}

// Event types carried by OrderEvent.Type.
const (
	EventOrderCompleted = "order.completed"
	EventOrderFailed    = "order.failed"
	EventDividendPaid   = "dividend.paid"
)

// OrderEvent is emitted to notification sinks after an order reaches a
// terminal state, or after a dividend credit.
type OrderEvent struct {
	Type      string      `json:"type"`
	OrderID   string      `json:"order_id,omitempty"`
	AccountID string      `json:"account_id"`
	Side      Side        `json:"side,omitempty"`
	Symbol    string      `json:"symbol"`
	Quantity  int64       `json:"quantity"`
	Status    OrderStatus `json:"status,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Amount    string      `json:"amount,omitempty"`
	At        time.Time   `json:"at"`
}
