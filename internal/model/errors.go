package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/money"
)

// Sentinel errors for lookups. The handler layer maps these to 404.
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrDividendNotFound = errors.New("dividend not found")
	ErrOrderFinalized   = errors.New("order already finalized")
)

// SystemErrorReason is the only reason shown to users for internal failures.
const SystemErrorReason = "System error, please try again later"

// Reasoner is implemented by every error of the order-failure taxonomy.
// Reason returns a message suitable for direct display to an end user.
type Reasoner interface {
	error
	Reason() string
}

// ReasonOf returns the user-facing reason for err. Errors outside the
// taxonomy are treated as internal and get the generic system message.
func ReasonOf(err error) string {
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return SystemErrorReason
}

// ValidationError represents a malformed request (quantity, side, symbol
// format, amount).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string  { return "validation: " + e.Message }
func (e *ValidationError) Reason() string { return e.Message }

// InsufficientFundsError means a buy would push the wallet below zero.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientFundsError) Reason() string {
	return fmt.Sprintf("Insufficient funds: required %s, available %s",
		money.Display(e.Required), money.Display(e.Available))
}

// InsufficientSharesError means a sell asks for more shares than are held.
type InsufficientSharesError struct {
	Symbol    string
	Owned     int64
	Requested int64
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares of %s: owned %d, requested %d", e.Symbol, e.Owned, e.Requested)
}

func (e *InsufficientSharesError) Reason() string {
	return fmt.Sprintf("Insufficient shares of %s: owned %d, requested %d", e.Symbol, e.Owned, e.Requested)
}

// SymbolNotFoundError means the symbol is not a known, active instrument.
type SymbolNotFoundError struct {
	Symbol string
}

func (e *SymbolNotFoundError) Error() string  { return "symbol not found: " + e.Symbol }
func (e *SymbolNotFoundError) Reason() string { return "Unknown symbol: " + e.Symbol }

// ExternalDataUnavailableError wraps any price oracle failure. No fallback
// price is ever substituted.
type ExternalDataUnavailableError struct {
	Symbol string
	Err    error
}

func (e *ExternalDataUnavailableError) Error() string {
	return fmt.Sprintf("price data unavailable for %s: %v", e.Symbol, e.Err)
}

func (e *ExternalDataUnavailableError) Reason() string {
	return "Price data currently unavailable for " + e.Symbol
}

func (e *ExternalDataUnavailableError) Unwrap() error { return e.Err }

// ConcurrencyConflictError means lock contention outlasted the retry budget.
type ConcurrencyConflictError struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConcurrencyConflictError) Reason() string {
	return "The account is busy, please retry the order"
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure during commit. Its detail goes to
// the operational log only.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string  { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Reason() string { return SystemErrorReason }
func (e *PersistenceError) Unwrap() error  { return e.Err }
