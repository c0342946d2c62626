package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func seedAccount(t *testing.T, ms *store.MemoryStore, id, opening string) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{ID: id, Name: id, CreatedAt: t0}, d(opening))
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func TestCreateAccount_OpeningDeposit(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acct1", "100000.00")
	ctx := context.Background()

	w, err := ms.GetWallet(ctx, "acct1")
	if err != nil {
		t.Fatal(err)
	}
	if !w.Balance.Equal(d("100000")) || !w.TotalDeposited.Equal(d("100000")) {
		t.Errorf("unexpected wallet %+v", w)
	}

	entries, _ := ms.Entries(ctx, "acct1")
	if len(entries) != 1 || entries[0].Type != model.EntryDeposit {
		t.Fatalf("expected one DEPOSIT entry, got %+v", entries)
	}
	if !store.SumEntries(entries).IsZero() {
		t.Errorf("funding entries must be excluded from the sum")
	}

	if err := ms.CreateAccount(ctx, &model.Account{ID: "acct1"}, decimal.Zero); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := ms.GetAccount(context.Background(), "ghost"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	err := ms.WithAccount(context.Background(), "ghost", func(store.Tx) error { return nil })
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound from WithAccount, got %v", err)
	}
}

func TestWithAccount_RollbackDiscardsWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acct1", "1000")
	ctx := context.Background()
	boom := errors.New("boom")

	err := ms.WithAccount(ctx, "acct1", func(tx store.Tx) error {
		w, _ := tx.Wallet(ctx)
		w.Balance = d("1")
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &model.LedgerEntry{ID: "e1", AccountID: "acct1", Type: model.EntryBuy, Amount: d("-999")}); err != nil {
			return err
		}
		if err := tx.SaveHolding(ctx, &model.Holding{AccountID: "acct1", Symbol: "AAPL", Quantity: 5, AveragePurchasePrice: d("10"), UpdatedAt: t0}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	w, _ := ms.GetWallet(ctx, "acct1")
	if !w.Balance.Equal(d("1000")) {
		t.Errorf("balance changed after rollback: %s", w.Balance)
	}
	entries, _ := ms.Entries(ctx, "acct1")
	if len(entries) != 1 {
		t.Errorf("expected only the opening entry, got %d", len(entries))
	}
	if h, _ := ms.GetHolding(ctx, "acct1", "AAPL"); h != nil {
		t.Errorf("holding persisted after rollback: %+v", h)
	}
	if holders, _ := ms.HoldersAsOf(ctx, "AAPL", t0.Add(time.Hour)); len(holders) != 0 {
		t.Errorf("snapshot persisted after rollback: %v", holders)
	}
}

func TestWithAccount_ReadsOwnWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acct1", "1000")
	ctx := context.Background()

	err := ms.WithAccount(ctx, "acct1", func(tx store.Tx) error {
		if err := tx.SaveHolding(ctx, &model.Holding{AccountID: "acct1", Symbol: "MSFT", Quantity: 3, AveragePurchasePrice: d("300"), UpdatedAt: t0}); err != nil {
			return err
		}
		h, err := tx.Holding(ctx, "MSFT")
		if err != nil {
			return err
		}
		if h == nil || h.Quantity != 3 {
			t.Errorf("expected staged holding, got %+v", h)
		}
		if err := tx.DeleteHolding(ctx, "MSFT", t0.Add(time.Minute)); err != nil {
			return err
		}
		if h, _ := tx.Holding(ctx, "MSFT"); h != nil {
			t.Errorf("expected deleted holding to read as nil, got %+v", h)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithAccount_LockTimeout(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.LockTimeout = 20 * time.Millisecond
	seedAccount(t, ms, "acct1", "1000")
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = ms.WithAccount(ctx, "acct1", func(store.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := ms.WithAccount(ctx, "acct1", func(store.Tx) error { return nil })
	close(release)
	wg.Wait()

	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Other accounts are not blocked.
	seedAccount(t, ms, "acct2", "0")
	if err := ms.WithAccount(ctx, "acct2", func(store.Tx) error { return nil }); err != nil {
		t.Errorf("unrelated account blocked: %v", err)
	}
}

func TestFinalizeOrder_ExactlyOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acct1", "1000")
	ctx := context.Background()

	o := &model.Order{ID: "o1", AccountID: "acct1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 1, Status: model.OrderPending, CreatedAt: t0}
	if err := ms.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	done := *o
	done.Status = model.OrderFailed
	done.FailureReason = "nope"
	if err := ms.FinalizeOrder(ctx, &done); err != nil {
		t.Fatal(err)
	}
	if err := ms.FinalizeOrder(ctx, &done); !errors.Is(err, model.ErrOrderFinalized) {
		t.Errorf("expected ErrOrderFinalized, got %v", err)
	}

	// A transaction that finalizes an already terminal order commits nothing.
	err := ms.WithAccount(ctx, "acct1", func(tx store.Tx) error {
		w, _ := tx.Wallet(ctx)
		w.Balance = d("0")
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		completed := done
		completed.Status = model.OrderCompleted
		return tx.FinalizeOrder(ctx, &completed)
	})
	if !errors.Is(err, model.ErrOrderFinalized) {
		t.Fatalf("expected ErrOrderFinalized at commit, got %v", err)
	}
	w, _ := ms.GetWallet(ctx, "acct1")
	if !w.Balance.Equal(d("1000")) {
		t.Errorf("wallet changed although commit failed: %s", w.Balance)
	}
	got, _ := ms.GetOrder(ctx, "o1")
	if got.Status != model.OrderFailed {
		t.Errorf("order status changed: %s", got.Status)
	}
}

func TestPendingOrders_Cutoff(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acct1", "0")
	ctx := context.Background()

	for i, at := range []time.Time{t0, t0.Add(10 * time.Minute)} {
		o := &model.Order{ID: []string{"old", "new"}[i], AccountID: "acct1", Status: model.OrderPending, CreatedAt: at}
		if err := ms.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := ms.PendingOrders(ctx, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "old" {
		t.Errorf("expected only the old order, got %+v", pending)
	}
}

func TestHoldersAsOf(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a", "0")
	seedAccount(t, ms, "b", "0")
	ctx := context.Background()

	save := func(acct string, qty int64, at time.Time) {
		t.Helper()
		err := ms.WithAccount(ctx, acct, func(tx store.Tx) error {
			if qty == 0 {
				return tx.DeleteHolding(ctx, "KO", at)
			}
			return tx.SaveHolding(ctx, &model.Holding{AccountID: acct, Symbol: "KO", Quantity: qty, AveragePurchasePrice: d("60"), UpdatedAt: at})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	save("a", 10, t0)
	save("b", 4, t0.Add(time.Hour))
	save("a", 25, t0.Add(2*time.Hour))
	save("b", 0, t0.Add(3*time.Hour))

	tests := []struct {
		at   time.Time
		want map[string]int64
	}{
		{t0.Add(-time.Minute), map[string]int64{}},
		{t0, map[string]int64{"a": 10}},
		{t0.Add(90 * time.Minute), map[string]int64{"a": 10, "b": 4}},
		{t0.Add(150 * time.Minute), map[string]int64{"a": 25, "b": 4}},
		{t0.Add(4 * time.Hour), map[string]int64{"a": 25}},
	}
	for _, tt := range tests {
		got, err := ms.HoldersAsOf(ctx, "KO", tt.at)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("at %s: got %v, want %v", tt.at, got, tt.want)
			continue
		}
		for acct, qty := range tt.want {
			if got[acct] != qty {
				t.Errorf("at %s: %s has %d, want %d", tt.at, acct, got[acct], qty)
			}
		}
	}

	if other, _ := ms.HoldersAsOf(ctx, "KOF", t0.Add(4*time.Hour)); len(other) != 0 {
		t.Errorf("snapshots leaked across symbols: %v", other)
	}
}

func TestRecordDividendPayment_Duplicate(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "acct1", "0")
	ctx := context.Background()

	pay := func() error {
		return ms.WithAccount(ctx, "acct1", func(tx store.Tx) error {
			return tx.RecordDividendPayment(ctx, &model.DividendPayment{ID: "p", DividendID: "div1", AccountID: "acct1", AmountPaid: d("1.00"), PaidAt: t0})
		})
	}
	if err := pay(); err != nil {
		t.Fatal(err)
	}
	if err := pay(); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	payments, _ := ms.DividendPayments(ctx, "div1")
	if len(payments) != 1 {
		t.Errorf("expected one payment, got %d", len(payments))
	}
}

func TestDividendsPayableOn(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	for _, dv := range []model.Dividend{
		{ID: "d1", Symbol: "KO", PerShareAmount: d("0.46"), PaymentDate: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "d2", Symbol: "PG", PerShareAmount: d("1.00"), PaymentDate: time.Date(2025, 4, 1, 23, 0, 0, 0, time.UTC)},
		{ID: "d3", Symbol: "T", PerShareAmount: d("0.27"), PaymentDate: time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)},
	} {
		if err := ms.CreateDividend(ctx, &dv); err != nil {
			t.Fatal(err)
		}
	}

	due, err := ms.DividendsPayableOn(ctx, time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != "d1" || due[1].ID != "d2" {
		t.Errorf("unexpected payable dividends %+v", due)
	}

	if _, err := ms.GetDividend(ctx, "missing"); !errors.Is(err, model.ErrDividendNotFound) {
		t.Errorf("expected ErrDividendNotFound, got %v", err)
	}
}
