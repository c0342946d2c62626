// Package trade provides the order executor, funding operations, crash
// recovery and the HTTP handlers of the ledger engine.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/commission"
	"github.com/simbroker/ledger-engine/internal/metrics"
	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/money"
	"github.com/simbroker/ledger-engine/internal/notify"
	"github.com/simbroker/ledger-engine/internal/store"
)

// DefaultConflictRetries is how many times a lock conflict is retried
// before the operation fails with ConcurrencyConflictError.
const DefaultConflictRetries = 3

// AveragePlaces is the precision average purchase prices are kept at.
const AveragePlaces = 6

// Engine executes orders against the store. It is safe for concurrent use:
// mutations of one account are serialized by store.WithAccount, different
// accounts proceed in parallel.
type Engine struct {
	store     store.Store
	validator *Validator
	notifier  notify.Notifier

	// ConflictRetries bounds retries of store.ErrConflict.
	ConflictRetries int

	// RetryBackOff returns a fresh retry schedule per operation.
	RetryBackOff func() backoff.BackOff

	// Now returns the current time.
	Now func() time.Time
}

// NewEngine creates an engine. Pass nil for n if notifications are not needed.
func NewEngine(st store.Store, v *Validator, n notify.Notifier) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		store:           st,
		validator:       v,
		notifier:        n,
		ConflictRetries: DefaultConflictRetries,
		RetryBackOff:    defaultBackOff,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

// Result is the outcome of an order that was recorded. Order is always
// terminal. Err carries the typed cause when the order FAILED.
type Result struct {
	Order   *model.Order        `json:"order"`
	Entries []model.LedgerEntry `json:"entries,omitempty"`
	Err     error               `json:"-"`
}

// Completed reports whether the order was filled.
func (r *Result) Completed() bool {
	return r.Order.Status == model.OrderCompleted
}

// Buy submits a buy order.
func (e *Engine) Buy(ctx context.Context, accountID, sym string, qty int64) (*Result, error) {
	return e.Submit(ctx, OrderRequest{AccountID: accountID, Symbol: sym, Side: model.SideBuy, Quantity: qty})
}

// Sell submits a sell order.
func (e *Engine) Sell(ctx context.Context, accountID, sym string, qty int64) (*Result, error) {
	return e.Submit(ctx, OrderRequest{AccountID: accountID, Symbol: sym, Side: model.SideSell, Quantity: qty})
}

// Submit validates and executes an order.
//
// A malformed request or unknown account returns an error and records
// nothing. Every other outcome records an Order and returns it in a terminal
// state: business failures, oracle failures, exhausted lock conflicts and
// storage failures all produce a FAILED order with Result.Err set. The
// returned error is non-nil only when no order could be recorded.
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (*Result, error) {
	start := time.Now()

	req, err := e.validator.CheckRequest(req)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(sideLabel(req.Side), "REJECTED").Inc()
		return nil, err
	}
	if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
		if errors.Is(err, model.ErrAccountNotFound) {
			return nil, err
		}
		return nil, &model.PersistenceError{Op: "get account", Err: err}
	}

	// From here on the order runs to a terminal state even if the caller
	// stops waiting.
	ctx = context.WithoutCancel(ctx)

	// The quote is fetched once; its price is the one validated and executed.
	quote, quoteErr := e.validator.Resolve(ctx, req.Symbol)

	order := &model.Order{
		ID:            uuid.New().String(),
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		PricePerShare: decimal.Zero,
		CommissionFee: decimal.Zero,
		TotalAmount:   decimal.Zero,
		Status:        model.OrderPending,
		CreatedAt:     e.Now(),
	}
	if quoteErr == nil {
		order.PricePerShare = quote.Price
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		slog.Error("failed to create order",
			"account", req.AccountID,
			"symbol", req.Symbol,
			"err", err,
		)
		return nil, &model.PersistenceError{Op: "create order", Err: err}
	}

	var res *Result
	if quoteErr != nil {
		res = e.fail(ctx, order, quoteErr)
	} else {
		res = e.execute(ctx, order)
	}

	metrics.OrdersTotal.WithLabelValues(string(res.Order.Side), string(res.Order.Status)).Inc()
	metrics.OrderLatency.WithLabelValues(string(res.Order.Side)).Observe(time.Since(start).Seconds())
	e.logOutcome(res)
	e.publish(ctx, res.Order)
	return res, nil
}

// execute runs validation and the fill inside the account's critical section.
func (e *Engine) execute(ctx context.Context, o *model.Order) *Result {
	var (
		final    *model.Order
		entries  []model.LedgerEntry
		rejected error
	)
	attempts, err := e.withAccount(ctx, o.AccountID, func(tx store.Tx) error {
		final, entries, rejected = nil, nil, nil

		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		h, err := tx.Holding(ctx, o.Symbol)
		if err != nil {
			return err
		}

		// Re-validate against the locked rows. A rejection finalizes the
		// order and changes nothing else.
		if err := e.validator.CheckPosition(w, h, o.Side, o.Symbol, o.Quantity, o.PricePerShare); err != nil {
			rejected = err
			failed := *o
			failed.Status = model.OrderFailed
			failed.FailureReason = model.ReasonOf(err)
			final = &failed
			return tx.FinalizeOrder(ctx, &failed)
		}

		final, entries, err = e.fill(ctx, tx, o, w, h)
		return err
	})

	switch {
	case err == nil && rejected != nil:
		return &Result{Order: final, Err: rejected}
	case err == nil:
		return &Result{Order: final, Entries: entries}
	case errors.Is(err, store.ErrConflict):
		return e.fail(ctx, o, &model.ConcurrencyConflictError{Attempts: attempts, Err: err})
	default:
		slog.Error("order execution rolled back",
			"order_id", o.ID,
			"account", o.AccountID,
			"err", err,
		)
		return e.fail(ctx, o, &model.PersistenceError{Op: "execute order", Err: err})
	}
}

// fill applies a validated order: wallet, holding, two ledger entries and the
// COMPLETED order, all inside tx.
func (e *Engine) fill(ctx context.Context, tx store.Tx, o *model.Order, w *model.Wallet, h *model.Holding) (*model.Order, []model.LedgerEntry, error) {
	now := e.Now()
	qty := decimal.NewFromInt(o.Quantity)
	gross := money.Round(o.PricePerShare.Mul(qty))
	fee := commission.Fee(gross)

	filled := *o
	filled.CommissionFee = fee
	filled.Status = model.OrderCompleted
	filled.FailureReason = ""
	filled.ExecutedAt = &now

	before := w.Balance
	var principal model.LedgerEntry
	switch o.Side {
	case model.SideBuy:
		filled.TotalAmount = gross.Add(fee)
		principal = newEntry(o, model.EntryBuy, gross.Neg(), before, now)
	case model.SideSell:
		filled.TotalAmount = gross.Sub(fee)
		gain := money.Round(o.PricePerShare.Sub(h.AveragePurchasePrice).Mul(qty))
		filled.RealizedGain = &gain
		principal = newEntry(o, model.EntrySell, gross, before, now)
	}
	feeEntry := newEntry(o, model.EntryFee, fee.Neg(), principal.BalanceAfter, now)

	w.Balance = feeEntry.BalanceAfter
	w.UpdatedAt = now
	if w.Balance.IsNegative() {
		return nil, nil, fmt.Errorf("order %s would leave balance %s", o.ID, w.Balance)
	}

	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, nil, err
	}
	if err := applyHolding(ctx, tx, o, h, now); err != nil {
		return nil, nil, err
	}
	entries := []model.LedgerEntry{principal, feeEntry}
	for i := range entries {
		if err := tx.AppendEntry(ctx, &entries[i]); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.FinalizeOrder(ctx, &filled); err != nil {
		return nil, nil, err
	}
	return &filled, entries, nil
}

// applyHolding updates the locked holding for a fill. Buys re-average the
// purchase price; sells never do and delete the row at zero.
func applyHolding(ctx context.Context, tx store.Tx, o *model.Order, h *model.Holding, now time.Time) error {
	switch o.Side {
	case model.SideBuy:
		if h == nil {
			h = &model.Holding{AccountID: o.AccountID, Symbol: o.Symbol, AveragePurchasePrice: decimal.Zero}
		}
		h.AveragePurchasePrice = WeightedAverage(h.Quantity, h.AveragePurchasePrice, o.Quantity, o.PricePerShare)
		h.Quantity += o.Quantity
	case model.SideSell:
		h.Quantity -= o.Quantity
		if h.Quantity == 0 {
			return tx.DeleteHolding(ctx, o.Symbol, now)
		}
	}
	h.UpdatedAt = now
	return tx.SaveHolding(ctx, h)
}

// WeightedAverage returns (oldQty×oldAvg + addQty×price) / (oldQty+addQty)
// rounded half away from zero to AveragePlaces.
func WeightedAverage(oldQty int64, oldAvg decimal.Decimal, addQty int64, price decimal.Decimal) decimal.Decimal {
	total := oldQty + addQty
	if total == 0 {
		return decimal.Zero
	}
	cost := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(addQty)))
	return cost.DivRound(decimal.NewFromInt(total), AveragePlaces)
}

// fail records o as FAILED outside any account lock. If the order was
// finalized concurrently, the stored state is returned instead.
func (e *Engine) fail(ctx context.Context, o *model.Order, cause error) *Result {
	failed := *o
	failed.Status = model.OrderFailed
	failed.FailureReason = model.ReasonOf(cause)

	if err := e.store.FinalizeOrder(ctx, &failed); err != nil {
		slog.Error("failed to record order failure",
			"order_id", o.ID,
			"cause", cause,
			"err", err,
		)
		if cur, gerr := e.store.GetOrder(ctx, o.ID); gerr == nil {
			return &Result{Order: cur, Err: cause}
		}
	}
	return &Result{Order: &failed, Err: cause}
}

// withAccount runs fn under the account lock, retrying lock conflicts with
// backoff. It returns the number of attempts made.
func (e *Engine) withAccount(ctx context.Context, accountID string, fn func(store.Tx) error) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := e.store.WithAccount(ctx, accountID, fn)
		if errors.Is(err, store.ErrConflict) {
			metrics.LockConflicts.Inc()
			slog.Warn("account lock conflict", "account", accountID, "attempt", attempts)
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(e.RetryBackOff()),
		backoff.WithMaxTries(uint(e.ConflictRetries+1)),
	)
	return attempts, err
}

func newEntry(o *model.Order, typ model.EntryType, amount, before decimal.Decimal, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:             uuid.New().String(),
		AccountID:      o.AccountID,
		Type:           typ,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   before.Add(amount),
		RelatedOrderID: o.ID,
		CreatedAt:      at,
	}
}

func (e *Engine) logOutcome(res *Result) {
	o := res.Order
	if o.Status == model.OrderCompleted {
		slog.Info("order completed",
			"order_id", o.ID,
			"account", o.AccountID,
			"side", o.Side,
			"symbol", o.Symbol,
			"qty", o.Quantity,
			"price", o.PricePerShare.String(),
			"fee", o.CommissionFee.String(),
			"total", o.TotalAmount.String(),
		)
		return
	}
	slog.Info("order failed",
		"order_id", o.ID,
		"account", o.AccountID,
		"side", o.Side,
		"symbol", o.Symbol,
		"qty", o.Quantity,
		"reason", o.FailureReason,
	)
}

func (e *Engine) publish(ctx context.Context, o *model.Order) {
	ev := model.OrderEvent{
		Type:      model.EventOrderCompleted,
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Side:      o.Side,
		Symbol:    o.Symbol,
		Quantity:  o.Quantity,
		Status:    o.Status,
		Reason:    o.FailureReason,
		At:        e.Now(),
	}
	if o.Status == model.OrderCompleted {
		ev.Amount = o.TotalAmount.String()
	} else {
		ev.Type = model.EventOrderFailed
	}
	e.notifier.Notify(ctx, ev)
}

func sideLabel(s model.Side) string {
	if s.Valid() {
		return string(s)
	}
	return "UNKNOWN"
}
