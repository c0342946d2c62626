package trade

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/metrics"
	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/money"
	"github.com/simbroker/ledger-engine/internal/store"
)

// Deposit credits amount to the account's wallet and records a DEPOSIT entry.
func (e *Engine) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*model.LedgerEntry, error) {
	return e.fund(ctx, accountID, model.EntryDeposit, amount)
}

// Withdraw debits amount from the account's wallet and records a WITHDRAWAL
// entry. It never overdraws.
func (e *Engine) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (*model.LedgerEntry, error) {
	return e.fund(ctx, accountID, model.EntryWithdrawal, amount)
}

func (e *Engine) fund(ctx context.Context, accountID string, typ model.EntryType, amount decimal.Decimal) (*model.LedgerEntry, error) {
	if !amount.IsPositive() || !money.IsCents(amount) {
		return nil, &model.ValidationError{Message: "amount must be positive with at most 2 decimal places"}
	}

	ctx = context.WithoutCancel(ctx)

	var entry model.LedgerEntry
	attempts, err := e.withAccount(ctx, accountID, func(tx store.Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}

		signed := amount
		if typ == model.EntryWithdrawal {
			if amount.GreaterThan(w.Balance) {
				return &model.InsufficientFundsError{Required: amount, Available: w.Balance}
			}
			signed = amount.Neg()
			w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
		} else {
			w.TotalDeposited = w.TotalDeposited.Add(amount)
		}

		now := e.Now()
		entry = model.LedgerEntry{
			ID:            uuid.New().String(),
			AccountID:     accountID,
			Type:          typ,
			Amount:        signed,
			BalanceBefore: w.Balance,
			BalanceAfter:  w.Balance.Add(signed),
			CreatedAt:     now,
		}
		w.Balance = entry.BalanceAfter
		w.UpdatedAt = now

		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &entry)
	})

	if err != nil {
		metrics.FundingTotal.WithLabelValues(string(typ), "failed").Inc()
		var reason model.Reasoner
		switch {
		case errors.Is(err, model.ErrAccountNotFound), errors.As(err, &reason):
			return nil, err
		case errors.Is(err, store.ErrConflict):
			return nil, &model.ConcurrencyConflictError{Attempts: attempts, Err: err}
		default:
			slog.Error("funding rolled back", "account", accountID, "type", typ, "err", err)
			return nil, &model.PersistenceError{Op: "fund account", Err: err}
		}
	}

	metrics.FundingTotal.WithLabelValues(string(typ), "ok").Inc()
	slog.Info("account funded",
		"account", accountID,
		"type", typ,
		"amount", amount.String(),
		"balance", entry.BalanceAfter.String(),
	)
	return &entry, nil
}
