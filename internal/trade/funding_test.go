package trade_test

import (
	"context"
	"errors"
	"testing"

	"github.com/simbroker/ledger-engine/internal/model"
)

func TestDeposit(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100.00")

	entry, err := env.engine.Deposit(context.Background(), "acct1", d("250.50"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.Type != model.EntryDeposit || !entry.Amount.Equal(d("250.50")) ||
		!entry.BalanceBefore.Equal(d("100")) || !entry.BalanceAfter.Equal(d("350.50")) {
		t.Errorf("unexpected entry %+v", entry)
	}

	w := wallet(t, env.store, "acct1")
	if !w.Balance.Equal(d("350.50")) || !w.TotalDeposited.Equal(d("350.50")) {
		t.Errorf("unexpected wallet %+v", w)
	}
	assertConserved(t, env.store, "acct1")
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100.00")

	entry, err := env.engine.Withdraw(context.Background(), "acct1", d("40.25"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.Type != model.EntryWithdrawal || !entry.Amount.Equal(d("-40.25")) {
		t.Errorf("unexpected entry %+v", entry)
	}

	w := wallet(t, env.store, "acct1")
	if !w.Balance.Equal(d("59.75")) || !w.TotalWithdrawn.Equal(d("40.25")) {
		t.Errorf("unexpected wallet %+v", w)
	}
	assertConserved(t, env.store, "acct1")
}

func TestWithdraw_EntireBalance(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100.00")

	if _, err := env.engine.Withdraw(context.Background(), "acct1", d("100")); err != nil {
		t.Fatal(err)
	}
	if w := wallet(t, env.store, "acct1"); !w.Balance.IsZero() {
		t.Errorf("expected zero balance, got %s", w.Balance)
	}
}

func TestWithdraw_NeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100.00")

	_, err := env.engine.Withdraw(context.Background(), "acct1", d("100.01"))
	var funds *model.InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}

	w := wallet(t, env.store, "acct1")
	if !w.Balance.Equal(d("100")) || !w.TotalWithdrawn.IsZero() {
		t.Errorf("wallet changed: %+v", w)
	}
	entries, _ := env.store.Entries(context.Background(), "acct1")
	if len(entries) != 1 {
		t.Errorf("expected only the opening entry, got %d", len(entries))
	}
}

func TestFunding_InvalidAmounts(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100.00")

	for _, amount := range []string{"0", "-5", "1.001"} {
		_, err := env.engine.Deposit(context.Background(), "acct1", d(amount))
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("deposit %s: expected ValidationError, got %v", amount, err)
		}
		_, err = env.engine.Withdraw(context.Background(), "acct1", d(amount))
		if !errors.As(err, &ve) {
			t.Errorf("withdraw %s: expected ValidationError, got %v", amount, err)
		}
	}
	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(d("100")) {
		t.Errorf("balance changed: %s", w.Balance)
	}
}

func TestFunding_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Deposit(context.Background(), "ghost", d("10")); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestFunding_ConflictExhausted(t *testing.T) {
	env := newTestEnv(t)
	fs := &faultyStore{Store: env.store}
	fs.conflicts.Store(100)
	eng := newEngine(fs, env.prices, env.events)
	eng.ConflictRetries = 1
	seedAccount(t, env.store, "acct1", "100.00")

	_, err := eng.Deposit(context.Background(), "acct1", d("10"))
	var cc *model.ConcurrencyConflictError
	if !errors.As(err, &cc) || cc.Attempts != 2 {
		t.Fatalf("expected ConcurrencyConflictError after 2 attempts, got %v", err)
	}
}
