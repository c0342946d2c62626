// Package dividend credits cash dividends to the accounts that held the
// symbol on the record date.
//
// A run is idempotent: the (dividend, account) payment row is checked and
// written inside the same account lock as the credit, so re-running a
// dividend never pays an account twice.
package dividend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/metrics"
	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/money"
	"github.com/simbroker/ledger-engine/internal/notify"
	"github.com/simbroker/ledger-engine/internal/store"
	"github.com/simbroker/ledger-engine/internal/symbol"
)

// Distributor pays dividends.
type Distributor struct {
	store    store.Store
	notifier notify.Notifier

	// Now returns the current time.
	Now func() time.Time
}

// NewDistributor creates a distributor. Pass nil for n if notifications are
// not needed.
func NewDistributor(st store.Store, n notify.Notifier) *Distributor {
	if n == nil {
		n = notify.Nop{}
	}
	return &Distributor{
		store:    st,
		notifier: n,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Report is the aggregate outcome of one dividend run.
type Report struct {
	DividendID      string          `json:"dividend_id"`
	AccountsPaid    int             `json:"accounts_paid"`
	AccountsSkipped int             `json:"accounts_skipped"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Errors          []AccountError  `json:"errors,omitempty"`
}

// AccountError is a per-account failure collected during a run.
type AccountError struct {
	AccountID string `json:"account_id"`
	Message   string `json:"error"`
	Err       error  `json:"-"`
}

func (e AccountError) Error() string { return e.AccountID + ": " + e.Message }

// Validate checks a dividend's symbol, amount and date ordering.
func Validate(dv *model.Dividend) error {
	sym, err := symbol.Parse(dv.Symbol)
	if err != nil {
		return &model.ValidationError{Message: err.Error()}
	}
	dv.Symbol = sym
	if !dv.PerShareAmount.IsPositive() {
		return &model.ValidationError{Message: "per_share_amount must be positive"}
	}
	if !dv.ExDate.Before(dv.RecordDate) || !dv.RecordDate.Before(dv.PaymentDate) {
		return &model.ValidationError{Message: "dates must satisfy ex_date < record_date < payment_date"}
	}
	return nil
}

// Announce validates and persists a dividend.
func (d *Distributor) Announce(ctx context.Context, dv *model.Dividend) error {
	if err := Validate(dv); err != nil {
		return err
	}
	if dv.ID == "" {
		dv.ID = uuid.New().String()
	}
	if dv.CreatedAt.IsZero() {
		dv.CreatedAt = d.Now()
	}
	if err := d.store.CreateDividend(ctx, dv); err != nil {
		return fmt.Errorf("create dividend: %w", err)
	}
	slog.Info("dividend announced",
		"id", dv.ID,
		"symbol", dv.Symbol,
		"per_share", dv.PerShareAmount.String(),
		"record_date", dv.RecordDate,
		"payment_date", dv.PaymentDate,
	)
	return nil
}

// Run pays dv to every account holding the symbol at the end of the record
// date. asOf must fall on the payment date. Per-account failures are
// collected in the report and do not stop the batch; the returned error is
// reserved for failures that prevent the run altogether.
func (d *Distributor) Run(ctx context.Context, dv *model.Dividend, asOf time.Time) (*Report, error) {
	// Concurrent runs may share dv; normalize a private copy.
	local := *dv
	dv = &local
	if err := Validate(dv); err != nil {
		return nil, err
	}
	if !sameDay(asOf, dv.PaymentDate) {
		return nil, &model.ValidationError{Message: fmt.Sprintf("dividend %s is payable on %s, not %s",
			dv.ID, dv.PaymentDate.UTC().Format(time.DateOnly), asOf.UTC().Format(time.DateOnly))}
	}

	ctx = context.WithoutCancel(ctx)
	started := d.Now()

	holders, err := d.store.HoldersAsOf(ctx, dv.Symbol, endOfDay(dv.RecordDate))
	if err != nil {
		return nil, fmt.Errorf("holders of %s: %w", dv.Symbol, err)
	}
	accounts := make([]string, 0, len(holders))
	for acct := range holders {
		accounts = append(accounts, acct)
	}
	sort.Strings(accounts)

	report := &Report{DividendID: dv.ID, TotalAmount: decimal.Zero}
	for _, acct := range accounts {
		shares := holders[acct]
		amount := money.Round(dv.PerShareAmount.Mul(decimal.NewFromInt(shares)))
		if !amount.IsPositive() {
			report.AccountsSkipped++
			metrics.DividendPayments.WithLabelValues("skipped").Inc()
			continue
		}

		paid, err := d.pay(ctx, dv, acct, shares, amount)
		switch {
		case err != nil:
			slog.Error("dividend payment failed",
				"dividend_id", dv.ID,
				"account", acct,
				"err", err,
			)
			report.Errors = append(report.Errors, AccountError{AccountID: acct, Message: model.ReasonOf(err), Err: err})
			metrics.DividendPayments.WithLabelValues("error").Inc()
		case !paid:
			report.AccountsSkipped++
			metrics.DividendPayments.WithLabelValues("skipped").Inc()
		default:
			report.AccountsPaid++
			report.TotalAmount = report.TotalAmount.Add(amount)
			metrics.DividendPayments.WithLabelValues("paid").Inc()
			metrics.DividendAmount.Add(amount.InexactFloat64())
			d.notifier.Notify(ctx, model.OrderEvent{
				Type:      model.EventDividendPaid,
				AccountID: acct,
				Symbol:    dv.Symbol,
				Quantity:  shares,
				Amount:    amount.String(),
				At:        d.Now(),
			})
		}
	}

	d.recordRun(ctx, dv, report, started)
	slog.Info("dividend run finished",
		"dividend_id", dv.ID,
		"symbol", dv.Symbol,
		"paid", report.AccountsPaid,
		"skipped", report.AccountsSkipped,
		"errors", len(report.Errors),
		"total", report.TotalAmount.String(),
	)
	return report, nil
}

// RunDue runs every dividend payable on day. A dividend that cannot be run
// does not stop the others; their errors are joined.
func (d *Distributor) RunDue(ctx context.Context, day time.Time) ([]*Report, error) {
	due, err := d.store.DividendsPayableOn(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("dividends payable on %s: %w", day.Format(time.DateOnly), err)
	}

	var reports []*Report
	var errs []error
	for i := range due {
		r, err := d.Run(ctx, &due[i], day)
		if err != nil {
			errs = append(errs, fmt.Errorf("dividend %s: %w", due[i].ID, err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

// pay credits one account. It reports false when the account had already
// been paid.
func (d *Distributor) pay(ctx context.Context, dv *model.Dividend, accountID string, shares int64, amount decimal.Decimal) (bool, error) {
	paid := false
	err := d.store.WithAccount(ctx, accountID, func(tx store.Tx) error {
		paid = false
		already, err := tx.DividendPaid(ctx, dv.ID)
		if err != nil {
			return err
		}
		if already {
			return nil
		}

		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		now := d.Now()
		entry := model.LedgerEntry{
			ID:            uuid.New().String(),
			AccountID:     accountID,
			Type:          model.EntryDividend,
			Amount:        amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  w.Balance.Add(amount),
			CreatedAt:     now,
		}
		w.Balance = entry.BalanceAfter
		w.UpdatedAt = now

		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &entry); err != nil {
			return err
		}
		if err := tx.RecordDividendPayment(ctx, &model.DividendPayment{
			ID:                 uuid.New().String(),
			DividendID:         dv.ID,
			AccountID:          accountID,
			SharesAtRecordDate: shares,
			AmountPaid:         amount,
			LedgerEntryID:      entry.ID,
			PaidAt:             now,
		}); err != nil {
			return err
		}
		paid = true
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent run paid this account first.
		return false, nil
	}
	if errors.Is(err, store.ErrConflict) {
		return false, &model.ConcurrencyConflictError{Attempts: 1, Err: err}
	}
	if err != nil {
		return false, &model.PersistenceError{Op: "pay dividend", Err: err}
	}
	return paid, nil
}

func (d *Distributor) recordRun(ctx context.Context, dv *model.Dividend, r *Report, started time.Time) {
	var detail strings.Builder
	fmt.Fprintf(&detail, "%s %s/share total %s", dv.Symbol, dv.PerShareAmount, r.TotalAmount)
	for _, e := range r.Errors {
		fmt.Fprintf(&detail, "; %s: %v", e.AccountID, e.Err)
	}
	run := &model.JobRun{
		ID:         uuid.New().String(),
		Job:        "dividend:" + dv.ID,
		StartedAt:  started,
		FinishedAt: d.Now(),
		Succeeded:  r.AccountsPaid,
		Failed:     len(r.Errors),
		Detail:     detail.String(),
	}
	if err := d.store.RecordJobRun(ctx, run); err != nil {
		slog.Error("failed to record job run", "job", run.Job, "err", err)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// endOfDay returns the last instant of t's UTC calendar day.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
