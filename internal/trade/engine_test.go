package trade_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/oracle"
	"github.com/simbroker/ledger-engine/internal/store"
	"github.com/simbroker/ledger-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

// eventLog records notifications.
type eventLog struct {
	mu     sync.Mutex
	events []model.OrderEvent
}

func (l *eventLog) Notify(_ context.Context, ev model.OrderEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []model.OrderEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.OrderEvent(nil), l.events...)
}

// countingOracle counts lookups against a Static table.
type countingOracle struct {
	*oracle.Static
	calls atomic.Int32
	err   error
}

func (c *countingOracle) GetPrice(ctx context.Context, sym string) (oracle.Quote, error) {
	c.calls.Add(1)
	if c.err != nil {
		return oracle.Quote{}, c.err
	}
	return c.Static.GetPrice(ctx, sym)
}

type testEnv struct {
	engine *trade.Engine
	store  *store.MemoryStore
	prices *oracle.Static
	oracle *countingOracle
	events *eventLog
}

// newEngine builds an engine over st with a fixed clock and no retry delay.
func newEngine(st store.Store, o oracle.Oracle, n *eventLog) *trade.Engine {
	eng := trade.NewEngine(st, trade.NewValidator(o, 0), n)
	eng.Now = func() time.Time { return t0 }
	eng.RetryBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return eng
}

// newTestEnv creates an Engine over an in-memory store and price table.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	prices := oracle.NewStatic()
	prices.Set("AAPL", d("175.43"))
	prices.Set("MSFT", d("100.00"))
	co := &countingOracle{Static: prices}
	events := &eventLog{}
	return &testEnv{
		engine: newEngine(ms, co, events),
		store:  ms,
		prices: prices,
		oracle: co,
		events: events,
	}
}

func seedAccount(t *testing.T, ms store.Store, id, opening string) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{ID: id, Name: id, CreatedAt: t0}, d(opening))
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func mustSubmit(t *testing.T, eng *trade.Engine, side model.Side, acct, sym string, qty int64) *trade.Result {
	t.Helper()
	res, err := eng.Submit(context.Background(), trade.OrderRequest{AccountID: acct, Symbol: sym, Side: side, Quantity: qty})
	if err != nil {
		t.Fatalf("submit %s %d %s: %v", side, qty, sym, err)
	}
	return res
}

func wallet(t *testing.T, ms store.Store, acct string) *model.Wallet {
	t.Helper()
	w, err := ms.GetWallet(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func holding(t *testing.T, ms store.Store, acct, sym string) *model.Holding {
	t.Helper()
	h, err := ms.GetHolding(context.Background(), acct, sym)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func assertConserved(t *testing.T, ms store.Store, acct string) {
	t.Helper()
	w := wallet(t, ms, acct)
	entries, err := ms.Entries(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	want := w.TotalDeposited.Sub(w.TotalWithdrawn).Add(store.SumEntries(entries))
	if !w.Balance.Equal(want) {
		t.Errorf("conservation violated: balance %s, deposited %s, withdrawn %s, entries %s",
			w.Balance, w.TotalDeposited, w.TotalWithdrawn, store.SumEntries(entries))
	}
}

// --- Order execution tests ---

func TestBuy_OpeningScenario(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")

	res := mustSubmit(t, env.engine, model.SideBuy, "acct1", "AAPL", 10)

	o := res.Order
	if o.Status != model.OrderCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", o.Status, o.FailureReason)
	}
	if !o.PricePerShare.Equal(d("175.43")) {
		t.Errorf("expected price 175.43, got %s", o.PricePerShare)
	}
	if !o.CommissionFee.Equal(d("1.75")) {
		t.Errorf("expected fee 1.75, got %s", o.CommissionFee)
	}
	if !o.TotalAmount.Equal(d("1756.05")) {
		t.Errorf("expected total 1756.05, got %s", o.TotalAmount)
	}
	if o.ExecutedAt == nil {
		t.Error("expected executed_at to be set")
	}

	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(d("98243.95")) {
		t.Errorf("expected balance 98243.95, got %s", w.Balance)
	}
	h := holding(t, env.store, "acct1", "AAPL")
	if h == nil || h.Quantity != 10 || !h.AveragePurchasePrice.Equal(d("175.43")) {
		t.Fatalf("unexpected holding %+v", h)
	}

	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}
	buy, fee := res.Entries[0], res.Entries[1]
	if buy.Type != model.EntryBuy || !buy.Amount.Equal(d("-1754.30")) ||
		!buy.BalanceBefore.Equal(d("100000")) || !buy.BalanceAfter.Equal(d("98245.70")) {
		t.Errorf("unexpected BUY entry %+v", buy)
	}
	if fee.Type != model.EntryFee || !fee.Amount.Equal(d("-1.75")) ||
		!fee.BalanceBefore.Equal(d("98245.70")) || !fee.BalanceAfter.Equal(d("98243.95")) {
		t.Errorf("unexpected FEE entry %+v", fee)
	}
	if buy.RelatedOrderID != o.ID || fee.RelatedOrderID != o.ID {
		t.Error("entries must reference the order")
	}

	events := env.events.all()
	if len(events) != 1 || events[0].Type != model.EventOrderCompleted || events[0].OrderID != o.ID {
		t.Errorf("unexpected events %+v", events)
	}
	assertConserved(t, env.store, "acct1")
}

func TestBuy_AverageCostAndRealizedGain(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")

	env.prices.Set("XYZ", d("100"))
	mustSubmit(t, env.engine, model.SideBuy, "acct1", "XYZ", 10)
	env.prices.Set("XYZ", d("120"))
	mustSubmit(t, env.engine, model.SideBuy, "acct1", "XYZ", 10)

	h := holding(t, env.store, "acct1", "XYZ")
	if h.Quantity != 20 || !h.AveragePurchasePrice.Equal(d("110")) {
		t.Fatalf("expected 20 @ 110, got %d @ %s", h.Quantity, h.AveragePurchasePrice)
	}

	env.prices.Set("XYZ", d("150"))
	res := mustSubmit(t, env.engine, model.SideSell, "acct1", "XYZ", 5)
	if res.Order.Status != model.OrderCompleted {
		t.Fatalf("sell failed: %s", res.Order.FailureReason)
	}
	if res.Order.RealizedGain == nil || !res.Order.RealizedGain.Equal(d("200.00")) {
		t.Errorf("expected realized gain 200.00, got %v", res.Order.RealizedGain)
	}
	// 750.00 proceeds − 0.75 fee
	if !res.Order.TotalAmount.Equal(d("749.25")) {
		t.Errorf("expected proceeds 749.25, got %s", res.Order.TotalAmount)
	}
	if res.Entries[0].Type != model.EntrySell || !res.Entries[0].Amount.Equal(d("750")) {
		t.Errorf("unexpected SELL entry %+v", res.Entries[0])
	}

	h = holding(t, env.store, "acct1", "XYZ")
	if h.Quantity != 15 || !h.AveragePurchasePrice.Equal(d("110")) {
		t.Errorf("expected 15 @ 110 after sell, got %d @ %s", h.Quantity, h.AveragePurchasePrice)
	}
	assertConserved(t, env.store, "acct1")
}

func TestSell_InsufficientShares(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")
	mustSubmit(t, env.engine, model.SideBuy, "acct1", "AAPL", 10)
	before := wallet(t, env.store, "acct1")

	res := mustSubmit(t, env.engine, model.SideSell, "acct1", "AAPL", 15)

	if res.Order.Status != model.OrderFailed {
		t.Fatalf("expected FAILED, got %s", res.Order.Status)
	}
	var shares *model.InsufficientSharesError
	if !errors.As(res.Err, &shares) || shares.Owned != 10 || shares.Requested != 15 {
		t.Fatalf("expected InsufficientSharesError 10/15, got %v", res.Err)
	}
	reason := res.Order.FailureReason
	if !strings.Contains(reason, "10") || !strings.Contains(reason, "15") {
		t.Errorf("reason should mention owned and requested: %q", reason)
	}

	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(before.Balance) {
		t.Errorf("balance changed: %s → %s", before.Balance, w.Balance)
	}
	if h := holding(t, env.store, "acct1", "AAPL"); h.Quantity != 10 {
		t.Errorf("holding changed: %d", h.Quantity)
	}
	if entries, _ := env.store.EntriesForOrder(context.Background(), res.Order.ID); len(entries) != 0 {
		t.Errorf("failed order produced entries: %+v", entries)
	}
	stored, _ := env.store.GetOrder(context.Background(), res.Order.ID)
	if stored.Status != model.OrderFailed || stored.FailureReason != reason {
		t.Errorf("stored order not FAILED with reason: %+v", stored)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "1000.00")

	res := mustSubmit(t, env.engine, model.SideBuy, "acct1", "AAPL", 10)

	if res.Order.Status != model.OrderFailed {
		t.Fatalf("expected FAILED, got %s", res.Order.Status)
	}
	var funds *model.InsufficientFundsError
	if !errors.As(res.Err, &funds) {
		t.Fatalf("expected InsufficientFundsError, got %v", res.Err)
	}
	want := "Insufficient funds: required $1,756.05, available $1,000.00"
	if res.Order.FailureReason != want {
		t.Errorf("expected reason %q, got %q", want, res.Order.FailureReason)
	}
	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(d("1000")) {
		t.Errorf("balance changed: %s", w.Balance)
	}
	if h := holding(t, env.store, "acct1", "AAPL"); h != nil {
		t.Errorf("holding created by failed order: %+v", h)
	}

	events := env.events.all()
	if len(events) != 1 || events[0].Type != model.EventOrderFailed || events[0].Reason != want {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestBuy_ExactBalance(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "1756.05")

	res := mustSubmit(t, env.engine, model.SideBuy, "acct1", "AAPL", 10)
	if res.Order.Status != model.OrderCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Order.FailureReason)
	}
	if w := wallet(t, env.store, "acct1"); !w.Balance.IsZero() {
		t.Errorf("expected zero balance, got %s", w.Balance)
	}
}

func TestSell_AllSharesDeletesHolding(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "10000.00")
	mustSubmit(t, env.engine, model.SideBuy, "acct1", "MSFT", 7)

	res := mustSubmit(t, env.engine, model.SideSell, "acct1", "MSFT", 7)
	if res.Order.Status != model.OrderCompleted {
		t.Fatalf("sell failed: %s", res.Order.FailureReason)
	}
	if h := holding(t, env.store, "acct1", "MSFT"); h != nil {
		t.Errorf("expected holding to be deleted, got %+v", h)
	}
	if !res.Order.RealizedGain.IsZero() {
		t.Errorf("expected zero realized gain, got %s", res.Order.RealizedGain)
	}
	// 10000 − 700.70 + 699.30
	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(d("9998.60")) {
		t.Errorf("expected balance 9998.60, got %s", w.Balance)
	}
	assertConserved(t, env.store, "acct1")
}

func TestSubmit_InvalidRequestRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "1000.00")

	tests := []struct {
		name string
		req  trade.OrderRequest
	}{
		{"zero quantity", trade.OrderRequest{AccountID: "acct1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 0}},
		{"negative quantity", trade.OrderRequest{AccountID: "acct1", Symbol: "AAPL", Side: model.SideBuy, Quantity: -3}},
		{"above maximum", trade.OrderRequest{AccountID: "acct1", Symbol: "AAPL", Side: model.SideBuy, Quantity: trade.DefaultMaxQuantity + 1}},
		{"bad side", trade.OrderRequest{AccountID: "acct1", Symbol: "AAPL", Side: "HOLD", Quantity: 1}},
		{"bad symbol", trade.OrderRequest{AccountID: "acct1", Symbol: "$$$", Side: model.SideBuy, Quantity: 1}},
		{"missing account", trade.OrderRequest{Symbol: "AAPL", Side: model.SideBuy, Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.engine.Submit(context.Background(), tt.req)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if res != nil {
				t.Errorf("expected no result, got %+v", res)
			}
		})
	}

	orders, _ := env.store.ListOrders(context.Background(), "acct1")
	if len(orders) != 0 {
		t.Errorf("invalid requests recorded orders: %+v", orders)
	}
	if env.oracle.calls.Load() != 0 {
		t.Errorf("oracle consulted for invalid requests")
	}
}

func TestSubmit_LowercaseInputNormalized(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")

	res := mustSubmit(t, env.engine, "buy", "acct1", " aapl ", 1)
	if res.Order.Status != model.OrderCompleted || res.Order.Symbol != "AAPL" || res.Order.Side != model.SideBuy {
		t.Errorf("unexpected order %+v", res.Order)
	}
}

func TestSubmit_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.Buy(context.Background(), "ghost", "AAPL", 1)
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result")
	}
}

func TestSubmit_UnknownSymbolFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "1000.00")

	res := mustSubmit(t, env.engine, model.SideBuy, "acct1", "ZZZZ", 1)

	var nf *model.SymbolNotFoundError
	if !errors.As(res.Err, &nf) {
		t.Fatalf("expected SymbolNotFoundError, got %v", res.Err)
	}
	if res.Order.Status != model.OrderFailed || res.Order.FailureReason != "Unknown symbol: ZZZZ" {
		t.Errorf("unexpected order %+v", res.Order)
	}
	if !res.Order.PricePerShare.IsZero() {
		t.Errorf("expected zero price, got %s", res.Order.PricePerShare)
	}
}

func TestSubmit_OracleUnavailableFailsOrder(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "1000.00")
	env.oracle.err = errors.New("connection refused")

	res := mustSubmit(t, env.engine, model.SideBuy, "acct1", "AAPL", 1)

	var unavailable *model.ExternalDataUnavailableError
	if !errors.As(res.Err, &unavailable) {
		t.Fatalf("expected ExternalDataUnavailableError, got %v", res.Err)
	}
	if res.Order.Status != model.OrderFailed {
		t.Errorf("expected FAILED, got %s", res.Order.Status)
	}
	if strings.Contains(res.Order.FailureReason, "connection refused") {
		t.Errorf("reason leaks transport detail: %q", res.Order.FailureReason)
	}
	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(d("1000")) {
		t.Errorf("balance changed: %s", w.Balance)
	}
}

func TestSubmit_PriceFetchedOnce(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")

	mustSubmit(t, env.engine, model.SideBuy, "acct1", "AAPL", 3)
	if n := env.oracle.calls.Load(); n != 1 {
		t.Errorf("expected exactly one oracle lookup, got %d", n)
	}
}

func TestSubmit_PriceRoundedToCents(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")
	env.prices.Set("FRAC", d("10.125"))

	res := mustSubmit(t, env.engine, model.SideBuy, "acct1", "FRAC", 2)
	if !res.Order.PricePerShare.Equal(d("10.13")) {
		t.Errorf("expected pinned price 10.13, got %s", res.Order.PricePerShare)
	}
}

func TestSubmit_CallerCancellationDoesNotAbandonOrder(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.engine.Buy(ctx, "acct1", "AAPL", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Order.Status != model.OrderCompleted {
		t.Errorf("expected COMPLETED despite cancelled caller, got %s", res.Order.Status)
	}
}

// --- Concurrency ---

func TestConcurrentBuys_NoDoubleSpend(t *testing.T) {
	env := newTestEnv(t)
	// Each order costs 1501.50; one fits, two do not.
	seedAccount(t, env.store, "acct1", "2000.00")

	var wg sync.WaitGroup
	results := make([]*trade.Result, 2)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := env.engine.Buy(context.Background(), "acct1", "MSFT", 15)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res
		}(i)
	}
	close(start)
	wg.Wait()

	completed, insufficient := 0, 0
	for _, res := range results {
		if res == nil {
			t.Fatal("missing result")
		}
		var funds *model.InsufficientFundsError
		switch {
		case res.Completed():
			completed++
		case errors.As(res.Err, &funds):
			insufficient++
		default:
			t.Errorf("unexpected outcome %s: %v", res.Order.Status, res.Err)
		}
	}
	if completed != 1 || insufficient != 1 {
		t.Fatalf("expected 1 completed and 1 insufficient, got %d/%d", completed, insufficient)
	}
	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(d("498.50")) {
		t.Errorf("expected balance 498.50, got %s", w.Balance)
	}
	if h := holding(t, env.store, "acct1", "MSFT"); h.Quantity != 15 {
		t.Errorf("expected 15 shares, got %d", h.Quantity)
	}
}

func TestConcurrentOrders_ManyGoroutines(t *testing.T) {
	env := newTestEnv(t)
	// 100.10 per share with fee; room for exactly 10.
	seedAccount(t, env.store, "acct1", "1001.00")
	seedAccount(t, env.store, "acct2", "1001.00")

	var (
		wg        sync.WaitGroup
		completed atomic.Int32
	)
	for i := 0; i < 40; i++ {
		acct := "acct1"
		if i%2 == 1 {
			acct = "acct2"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.Buy(context.Background(), acct, "MSFT", 1)
			if err == nil && res.Completed() {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := completed.Load(); n != 20 {
		t.Errorf("expected 20 fills, got %d", n)
	}
	for _, acct := range []string{"acct1", "acct2"} {
		if w := wallet(t, env.store, acct); !w.Balance.Equal(d("0")) {
			t.Errorf("%s: expected zero balance, got %s", acct, w.Balance)
		}
		if h := holding(t, env.store, acct, "MSFT"); h.Quantity != 10 {
			t.Errorf("%s: expected 10 shares, got %d", acct, h.Quantity)
		}
		assertConserved(t, env.store, acct)
	}
}

// --- Failure injection ---

// faultyStore wraps a Store and lets tests intercept its transactions.
type faultyStore struct {
	store.Store
	wrapTx    func(store.Tx) store.Tx
	conflicts atomic.Int32 // number of WithAccount calls to fail with ErrConflict
	calls     atomic.Int32
}

func (f *faultyStore) WithAccount(ctx context.Context, accountID string, fn func(store.Tx) error) error {
	f.calls.Add(1)
	if f.conflicts.Load() > 0 {
		f.conflicts.Add(-1)
		return store.ErrConflict
	}
	return f.Store.WithAccount(ctx, accountID, func(tx store.Tx) error {
		if f.wrapTx != nil {
			tx = f.wrapTx(tx)
		}
		return fn(tx)
	})
}

// failingHoldingTx fails every holding write after the wallet was saved.
type failingHoldingTx struct {
	store.Tx
	walletSaved bool
}

func (f *failingHoldingTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	f.walletSaved = true
	return f.Tx.SaveWallet(ctx, w)
}

func (f *failingHoldingTx) SaveHolding(context.Context, *model.Holding) error {
	if !f.walletSaved {
		return errors.New("holding written before wallet")
	}
	return errors.New("disk full")
}

func TestAtomicity_FailureAfterWalletDebit(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := oracle.NewStatic()
	prices.Set("AAPL", d("175.43"))
	fs := &faultyStore{Store: ms, wrapTx: func(tx store.Tx) store.Tx { return &failingHoldingTx{Tx: tx} }}
	eng := newEngine(fs, prices, &eventLog{})
	seedAccount(t, ms, "acct1", "100000.00")

	res, err := eng.Buy(context.Background(), "acct1", "AAPL", 10)
	if err != nil {
		t.Fatal(err)
	}

	var pe *model.PersistenceError
	if !errors.As(res.Err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", res.Err)
	}
	if res.Order.Status != model.OrderFailed || res.Order.FailureReason != model.SystemErrorReason {
		t.Errorf("expected FAILED with generic reason, got %s %q", res.Order.Status, res.Order.FailureReason)
	}
	if strings.Contains(res.Order.FailureReason, "disk full") {
		t.Error("internal detail leaked into reason")
	}

	if w := wallet(t, ms, "acct1"); !w.Balance.Equal(d("100000")) {
		t.Errorf("wallet debit not rolled back: %s", w.Balance)
	}
	if h := holding(t, ms, "acct1", "AAPL"); h != nil {
		t.Errorf("holding persisted: %+v", h)
	}
	if entries, _ := ms.EntriesForOrder(context.Background(), res.Order.ID); len(entries) != 0 {
		t.Errorf("entries persisted: %+v", entries)
	}
	stored, _ := ms.GetOrder(context.Background(), res.Order.ID)
	if stored.Status != model.OrderFailed {
		t.Errorf("stored order is %s", stored.Status)
	}
	assertConserved(t, ms, "acct1")
}

func TestConflict_RetriedThenSucceeds(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := oracle.NewStatic()
	prices.Set("AAPL", d("175.43"))
	fs := &faultyStore{Store: ms}
	fs.conflicts.Store(2)
	eng := newEngine(fs, prices, &eventLog{})
	seedAccount(t, ms, "acct1", "100000.00")

	res, err := eng.Buy(context.Background(), "acct1", "AAPL", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed() {
		t.Fatalf("expected COMPLETED after retries, got %s: %v", res.Order.Status, res.Err)
	}
	if n := fs.calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestConflict_ExhaustedFailsOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := oracle.NewStatic()
	prices.Set("AAPL", d("175.43"))
	fs := &faultyStore{Store: ms}
	fs.conflicts.Store(100)
	eng := newEngine(fs, prices, &eventLog{})
	eng.ConflictRetries = 2
	seedAccount(t, ms, "acct1", "100000.00")

	res, err := eng.Buy(context.Background(), "acct1", "AAPL", 1)
	if err != nil {
		t.Fatal(err)
	}

	var cc *model.ConcurrencyConflictError
	if !errors.As(res.Err, &cc) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", res.Err)
	}
	if cc.Attempts != 3 || fs.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", cc.Attempts, fs.calls.Load())
	}
	if res.Order.Status != model.OrderFailed {
		t.Errorf("expected FAILED, got %s", res.Order.Status)
	}
	if w := wallet(t, ms, "acct1"); !w.Balance.Equal(d("100000")) {
		t.Errorf("balance changed: %s", w.Balance)
	}
}

func TestLockTimeout_SurfacesAsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.store.LockTimeout = 10 * time.Millisecond
	env.engine.ConflictRetries = 1
	seedAccount(t, env.store, "acct1", "100000.00")

	held := make(chan struct{})
	release := make(chan struct{})
	go env.store.WithAccount(context.Background(), "acct1", func(store.Tx) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	res, err := env.engine.Buy(context.Background(), "acct1", "AAPL", 1)
	if err != nil {
		t.Fatal(err)
	}
	var cc *model.ConcurrencyConflictError
	if !errors.As(res.Err, &cc) || !errors.Is(res.Err, store.ErrConflict) {
		t.Fatalf("expected ConcurrencyConflictError wrapping ErrConflict, got %v", res.Err)
	}
}

// --- Recovery ---

func TestSweepPending(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "1000.00")
	ctx := context.Background()

	stale := &model.Order{ID: "stale", AccountID: "acct1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 1,
		Status: model.OrderPending, CreatedAt: t0.Add(-10 * time.Minute)}
	fresh := &model.Order{ID: "fresh", AccountID: "acct1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 1,
		Status: model.OrderPending, CreatedAt: t0.Add(-time.Minute)}
	for _, o := range []*model.Order{stale, fresh} {
		if err := env.store.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	n, err := env.engine.SweepPending(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 resolved order, got %d", n)
	}

	got, _ := env.store.GetOrder(ctx, "stale")
	if got.Status != model.OrderFailed || got.FailureReason != trade.InterruptedReason {
		t.Errorf("stale order not resolved: %+v", got)
	}
	got, _ = env.store.GetOrder(ctx, "fresh")
	if got.Status != model.OrderPending {
		t.Errorf("fresh order touched: %+v", got)
	}

	runs := env.store.JobRuns()
	if len(runs) != 1 || runs[0].Job != "sweep-pending" || runs[0].Succeeded != 1 {
		t.Errorf("unexpected job runs %+v", runs)
	}
	if w := wallet(t, env.store, "acct1"); !w.Balance.Equal(d("1000")) {
		t.Errorf("sweep changed balance: %s", w.Balance)
	}
}

// --- Portfolio ---

func TestPortfolio_MarksToMarket(t *testing.T) {
	env := newTestEnv(t)
	seedAccount(t, env.store, "acct1", "100000.00")
	mustSubmit(t, env.engine, model.SideBuy, "acct1", "MSFT", 10)
	mustSubmit(t, env.engine, model.SideBuy, "acct1", "AAPL", 1)
	env.prices.Set("MSFT", d("110.00"))
	env.prices.Delist("AAPL")

	p, err := env.engine.Portfolio(context.Background(), "acct1")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(p.Positions))
	}

	aapl, msft := p.Positions[0], p.Positions[1]
	if aapl.MarketValue != nil || aapl.PriceError == "" {
		t.Errorf("delisted position should be unpriced: %+v", aapl)
	}
	if msft.MarketValue == nil || !msft.MarketValue.Equal(d("1100")) || !msft.UnrealizedGain.Equal(d("100")) {
		t.Errorf("unexpected MSFT position %+v", msft)
	}
	if !p.MarketValue.Equal(d("1100")) {
		t.Errorf("expected market value 1100, got %s", p.MarketValue)
	}
	if !p.TotalValue.Equal(p.Wallet.Balance.Add(d("1100"))) {
		t.Errorf("total value %s != cash + market", p.TotalValue)
	}
}

func TestPortfolio_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Portfolio(context.Background(), "ghost"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}
