// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every balance or holding mutation happens inside WithAccount, which holds
// an exclusive lock on the account's wallet (and, under it, the account's
// holdings) from the first read until commit. Locks are always taken wallet
// first, then holding, so no two code paths can deadlock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
)

var (
	// ErrConflict is returned when the account lock could not be acquired in
	// time, or the database aborted the transaction for serialization.
	// Callers may retry.
	ErrConflict = errors.New("store: lock conflict")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("store: duplicate")
)

// Store is the persistence interface. Methods outside Tx are single-statement
// and need no account lock.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists the account and its wallet. A positive opening
	// balance is recorded as a deposit.
	CreateAccount(ctx context.Context, account *model.Account, openingBalance decimal.Decimal) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Locked unit of work ---

	// WithAccount runs fn inside a transaction holding the account's
	// exclusive lock. fn's writes commit together if it returns nil and are
	// discarded otherwise.
	WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// --- Orders (append-only; finalized exactly once) ---

	// CreateOrder persists a new PENDING (or already FAILED) order.
	CreateOrder(ctx context.Context, order *model.Order) error

	// FinalizeOrder moves a PENDING order to its terminal state outside any
	// account lock. Returns model.ErrOrderFinalized if it is not PENDING.
	FinalizeOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns an account's orders, oldest first.
	ListOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// PendingOrders returns PENDING orders created before the cutoff.
	PendingOrders(ctx context.Context, createdBefore time.Time) ([]model.Order, error)

	// --- Read models ---

	// GetWallet reads the wallet without locking.
	GetWallet(ctx context.Context, accountID string) (*model.Wallet, error)

	// GetHolding reads one holding without locking; nil if none.
	GetHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error)

	// ListHoldings returns an account's holdings ordered by symbol.
	ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error)

	// --- Immutable ledger ---

	// Entries returns every ledger entry of an account, oldest first.
	Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// EntriesForOrder returns the entries produced by one order.
	EntriesForOrder(ctx context.Context, orderID string) ([]model.LedgerEntry, error)

	// HoldersAsOf reconstructs, from holding snapshots, the share count of
	// every account holding symbol at instant t. Accounts with zero shares
	// are omitted.
	HoldersAsOf(ctx context.Context, symbol string, t time.Time) (map[string]int64, error)

	// --- Dividends ---

	// CreateDividend persists a dividend announcement.
	CreateDividend(ctx context.Context, dividend *model.Dividend) error

	// GetDividend retrieves a dividend by ID.
	GetDividend(ctx context.Context, id string) (*model.Dividend, error)

	// DividendsPayableOn returns dividends whose payment date is the given
	// calendar day (UTC).
	DividendsPayableOn(ctx context.Context, day time.Time) ([]model.Dividend, error)

	// DividendPayments returns every payment made for a dividend.
	DividendPayments(ctx context.Context, dividendID string) ([]model.DividendPayment, error)

	// --- Jobs ---

	// RecordJobRun appends a batch job observability record.
	RecordJobRun(ctx context.Context, run *model.JobRun) error
}

// Tx is the view of the store inside an account's critical section. Every
// method acts on the locked account only.
type Tx interface {
	// AccountID is the locked account.
	AccountID() string

	// Wallet returns the locked wallet.
	Wallet(ctx context.Context) (*model.Wallet, error)

	// Holding returns the locked holding for symbol, or nil if none exists.
	Holding(ctx context.Context, symbol string) (*model.Holding, error)

	// SaveWallet writes the wallet.
	SaveWallet(ctx context.Context, wallet *model.Wallet) error

	// SaveHolding inserts or updates a holding (Quantity must be > 0) and
	// appends a holding snapshot.
	SaveHolding(ctx context.Context, holding *model.Holding) error

	// DeleteHolding removes the holding and appends a zero snapshot taken at at.
	DeleteHolding(ctx context.Context, symbol string, at time.Time) error

	// AppendEntry appends a ledger entry.
	AppendEntry(ctx context.Context, entry *model.LedgerEntry) error

	// FinalizeOrder moves a PENDING order of this account to its terminal
	// state as part of the transaction.
	FinalizeOrder(ctx context.Context, order *model.Order) error

	// DividendPaid reports whether the dividend was already paid to this account.
	DividendPaid(ctx context.Context, dividendID string) (bool, error)

	// RecordDividendPayment appends a dividend payment. Returns ErrDuplicate
	// if the (dividend, account) pair was already paid.
	RecordDividendPayment(ctx context.Context, payment *model.DividendPayment) error
}

// SumEntries returns the signed sum of non-funding ledger entries (trades,
// fees, dividends). For a consistent account it equals
// balance − total_deposited + total_withdrawn.
func SumEntries(entries []model.LedgerEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		if e.Type.Funding() {
			continue
		}
		sum = sum.Add(e.Amount)
	}
	return sum
}

// dayBounds returns [start, end) of t's UTC calendar day.
func dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func newID() string { return uuid.NewString() }
