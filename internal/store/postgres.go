package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// every row lock wait inside WithAccount; zero means wait indefinitely.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account, opening decimal.Decimal) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (id, name, created_at) VALUES ($1, $2, $3)`,
		a.ID, a.Name, a.CreatedAt); err != nil {
		return mapError(fmt.Errorf("insert account %s: %w", a.ID, err))
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (account_id, balance, total_deposited, total_withdrawn, updated_at)
		 VALUES ($1, $2::NUMERIC, $2::NUMERIC, 0, $3)`,
		a.ID, opening.String(), a.CreatedAt); err != nil {
		return mapError(fmt.Errorf("insert wallet %s: %w", a.ID, err))
	}
	if opening.IsPositive() {
		e := openingEntry(a.ID, opening, a.CreatedAt)
		if err := insertEntry(ctx, tx, &e); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

// --- Locked unit of work ---

// WithAccount locks the wallet row with SELECT ... FOR UPDATE before running
// fn. Holding rows are locked by the Tx as they are read.
func (s *PostgresStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return mapError(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	w, err := scanWallet(tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE account_id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return mapError(fmt.Errorf("lock wallet %s: %w", accountID, err))
	}

	if err := fn(&pgTx{tx: tx, accountID: accountID, wallet: w}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// --- Orders ---

const orderColumns = `id, account_id, symbol, side, quantity,
	price_per_share::TEXT, commission_fee::TEXT, total_amount::TEXT, realized_gain::TEXT,
	status, failure_reason, created_at, executed_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, symbol, side, quantity, price_per_share, commission_fee,
		                     total_amount, realized_gain, status, failure_reason, created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		o.ID, o.AccountID, o.Symbol, o.Side, o.Quantity,
		o.PricePerShare.String(), o.CommissionFee.String(), o.TotalAmount.String(), nullDecimal(o.RealizedGain),
		o.Status, o.FailureReason, o.CreatedAt, o.ExecutedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert order %s: %w", o.ID, err))
	}
	return nil
}

func (s *PostgresStore) FinalizeOrder(ctx context.Context, o *model.Order) error {
	return finalizeOrder(ctx, s.pool, o, "")
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = $1 ORDER BY created_at`, accountID)
}

func (s *PostgresStore) PendingOrders(ctx context.Context, createdBefore time.Time) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at`,
		createdBefore)
}

func (s *PostgresStore) queryOrders(ctx context.Context, sql string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// finalizeOrder updates a PENDING order. accountID, when set, scopes the
// update to the locked account.
func finalizeOrder(ctx context.Context, q execer, o *model.Order, accountID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE orders
		 SET price_per_share = $2::NUMERIC, commission_fee = $3::NUMERIC, total_amount = $4::NUMERIC,
		     realized_gain = $5::NUMERIC, status = $6, failure_reason = $7, executed_at = $8
		 WHERE id = $1 AND status = 'PENDING' AND ($9 = '' OR account_id = $9)`,
		o.ID, o.PricePerShare.String(), o.CommissionFee.String(), o.TotalAmount.String(),
		nullDecimal(o.RealizedGain), o.Status, o.FailureReason, o.ExecutedAt, accountID,
	)
	if err != nil {
		return mapError(fmt.Errorf("finalize order %s: %w", o.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrOrderFinalized)
	}
	return nil
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var price, fee, total string
	var gain *string
	if err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Quantity,
		&price, &fee, &total, &gain,
		&o.Status, &o.FailureReason, &o.CreatedAt, &o.ExecutedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(
		numeric{"price_per_share", price, &o.PricePerShare},
		numeric{"commission_fee", fee, &o.CommissionFee},
		numeric{"total_amount", total, &o.TotalAmount},
	); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if gain != nil {
		var g decimal.Decimal
		if err := parseNumerics(numeric{"realized_gain", *gain, &g}); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		o.RealizedGain = &g
	}
	return &o, nil
}

// --- Read models ---

const walletColumns = `account_id, balance::TEXT, total_deposited::TEXT, total_withdrawn::TEXT, updated_at`

const holdingColumns = `account_id, symbol, quantity, average_purchase_price::TEXT, updated_at`

func (s *PostgresStore) GetWallet(ctx context.Context, accountID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE account_id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", accountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", accountID, err)
	}
	return w, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE account_id = $1 AND symbol = $2`, accountID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", accountID, symbol, err)
	}
	return h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	var balance, deposited, withdrawn string
	if err := row.Scan(&w.AccountID, &balance, &deposited, &withdrawn, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(
		numeric{"balance", balance, &w.Balance},
		numeric{"total_deposited", deposited, &w.TotalDeposited},
		numeric{"total_withdrawn", withdrawn, &w.TotalWithdrawn},
	); err != nil {
		return nil, fmt.Errorf("wallet %s: %w", w.AccountID, err)
	}
	return &w, nil
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var avg string
	if err := row.Scan(&h.AccountID, &h.Symbol, &h.Quantity, &avg, &h.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{"average_purchase_price", avg, &h.AveragePurchasePrice}); err != nil {
		return nil, fmt.Errorf("holding %s/%s: %w", h.AccountID, h.Symbol, err)
	}
	return &h, nil
}

// --- Immutable ledger ---

const entryColumns = `id, account_id, entry_type, amount::TEXT, balance_before::TEXT, balance_after::TEXT,
	related_order_id, created_at`

func (s *PostgresStore) Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, accountID)
}

func (s *PostgresStore) EntriesForOrder(ctx context.Context, orderID string) ([]model.LedgerEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE related_order_id = $1 ORDER BY seq`, orderID)
}

func (s *PostgresStore) queryEntries(ctx context.Context, sql string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &amount, &before, &after,
			&e.RelatedOrderID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseNumerics(
			numeric{"amount", amount, &e.Amount},
			numeric{"balance_before", before, &e.BalanceBefore},
			numeric{"balance_after", after, &e.BalanceAfter},
		); err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, q execer, e *model.LedgerEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, entry_type, amount, balance_before, balance_after,
		                             related_order_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		e.ID, e.AccountID, e.Type, e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
		e.RelatedOrderID, e.CreatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert entry %s: %w", e.ID, err))
	}
	return nil
}

func (s *PostgresStore) HoldersAsOf(ctx context.Context, symbol string, t time.Time) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (account_id) account_id, quantity
		 FROM holding_snapshots
		 WHERE symbol = $1 AND at <= $2
		 ORDER BY account_id, at DESC, seq DESC`, symbol, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holders := make(map[string]int64)
	for rows.Next() {
		var acct string
		var qty int64
		if err := rows.Scan(&acct, &qty); err != nil {
			return nil, err
		}
		if qty > 0 {
			holders[acct] = qty
		}
	}
	return holders, rows.Err()
}

// --- Dividends ---

const dividendColumns = `id, symbol, per_share_amount::TEXT, ex_date, record_date, payment_date, created_at`

func (s *PostgresStore) CreateDividend(ctx context.Context, dv *model.Dividend) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dividends (id, symbol, per_share_amount, ex_date, record_date, payment_date, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		dv.ID, dv.Symbol, dv.PerShareAmount.String(), dv.ExDate, dv.RecordDate, dv.PaymentDate, dv.CreatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert dividend %s: %w", dv.ID, err))
	}
	return nil
}

func (s *PostgresStore) GetDividend(ctx context.Context, id string) (*model.Dividend, error) {
	dv, err := scanDividend(s.pool.QueryRow(ctx, `SELECT `+dividendColumns+` FROM dividends WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dividend %s: %w", id, model.ErrDividendNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dividend %s: %w", id, err)
	}
	return dv, nil
}

func (s *PostgresStore) DividendsPayableOn(ctx context.Context, day time.Time) ([]model.Dividend, error) {
	start, end := dayBounds(day)
	rows, err := s.pool.Query(ctx,
		`SELECT `+dividendColumns+` FROM dividends
		 WHERE payment_date >= $1 AND payment_date < $2 ORDER BY id`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dividends []model.Dividend
	for rows.Next() {
		dv, err := scanDividend(rows)
		if err != nil {
			return nil, err
		}
		dividends = append(dividends, *dv)
	}
	return dividends, rows.Err()
}

func (s *PostgresStore) DividendPayments(ctx context.Context, dividendID string) ([]model.DividendPayment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, dividend_id, account_id, shares_at_record_date, amount_paid::TEXT, ledger_entry_id, paid_at
		 FROM dividend_payments WHERE dividend_id = $1 ORDER BY account_id`, dividendID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []model.DividendPayment
	for rows.Next() {
		var p model.DividendPayment
		var amount string
		if err := rows.Scan(&p.ID, &p.DividendID, &p.AccountID, &p.SharesAtRecordDate,
			&amount, &p.LedgerEntryID, &p.PaidAt); err != nil {
			return nil, err
		}
		if err := parseNumerics(numeric{"amount_paid", amount, &p.AmountPaid}); err != nil {
			return nil, fmt.Errorf("dividend payment %s: %w", p.ID, err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanDividend(row rowScanner) (*model.Dividend, error) {
	var dv model.Dividend
	var perShare string
	if err := row.Scan(&dv.ID, &dv.Symbol, &perShare, &dv.ExDate, &dv.RecordDate,
		&dv.PaymentDate, &dv.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{"per_share_amount", perShare, &dv.PerShareAmount}); err != nil {
		return nil, fmt.Errorf("dividend %s: %w", dv.ID, err)
	}
	return &dv, nil
}

// numeric is a NUMERIC column read as text, to be parsed into dst.
type numeric struct {
	column string
	text   string
	dst    *decimal.Decimal
}

// parseNumerics parses each column or fails on the first malformed value.
func parseNumerics(cols ...numeric) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.text)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", c.column, c.text, err)
		}
		*c.dst = v
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) RecordJobRun(ctx context.Context, run *model.JobRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (id, job, started_at, finished_at, succeeded, failed, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Job, run.StartedAt, run.FinishedAt, run.Succeeded, run.Failed, run.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert job run %s: %w", run.ID, err)
	}
	return nil
}

// --- Transaction ---

// pgTx is the Tx handed to WithAccount callbacks. The wallet row is already
// locked; holdings are locked on first read.
type pgTx struct {
	tx        pgx.Tx
	accountID string
	wallet    *model.Wallet
}

func (t *pgTx) AccountID() string { return t.accountID }

func (t *pgTx) Wallet(_ context.Context) (*model.Wallet, error) {
	w := *t.wallet
	return &w, nil
}

func (t *pgTx) Holding(ctx context.Context, symbol string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		t.accountID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("lock holding %s/%s: %w", t.accountID, symbol, err))
	}
	return h, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	if w.AccountID != t.accountID {
		return fmt.Errorf("wallet %s is not locked by this transaction", w.AccountID)
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = $2::NUMERIC, total_deposited = $3::NUMERIC, total_withdrawn = $4::NUMERIC, updated_at = $5
		 WHERE account_id = $1`,
		w.AccountID, w.Balance.String(), w.TotalDeposited.String(), w.TotalWithdrawn.String(), w.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("update wallet %s: %w", w.AccountID, err))
	}
	copy := *w
	t.wallet = &copy
	return nil
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	if h.AccountID != t.accountID {
		return fmt.Errorf("holding of %s is not locked by this transaction", h.AccountID)
	}
	if h.Quantity <= 0 {
		return fmt.Errorf("holding %s: quantity must be positive, got %d", h.Symbol, h.Quantity)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (account_id, symbol, quantity, average_purchase_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     average_purchase_price = EXCLUDED.average_purchase_price,
		     updated_at = EXCLUDED.updated_at`,
		h.AccountID, h.Symbol, h.Quantity, h.AveragePurchasePrice.String(), h.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("upsert holding %s/%s: %w", h.AccountID, h.Symbol, err))
	}
	return t.snapshot(ctx, h.Symbol, h.Quantity, h.UpdatedAt)
}

func (t *pgTx) DeleteHolding(ctx context.Context, symbol string, at time.Time) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM holdings WHERE account_id = $1 AND symbol = $2`, t.accountID, symbol); err != nil {
		return mapError(fmt.Errorf("delete holding %s/%s: %w", t.accountID, symbol, err))
	}
	return t.snapshot(ctx, symbol, 0, at)
}

func (t *pgTx) snapshot(ctx context.Context, symbol string, qty int64, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holding_snapshots (account_id, symbol, quantity, at) VALUES ($1, $2, $3, $4)`,
		t.accountID, symbol, qty, at)
	if err != nil {
		return mapError(fmt.Errorf("insert snapshot %s/%s: %w", t.accountID, symbol, err))
	}
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e *model.LedgerEntry) error {
	if e.AccountID != t.accountID {
		return fmt.Errorf("entry for %s is not locked by this transaction", e.AccountID)
	}
	return insertEntry(ctx, t.tx, e)
}

func (t *pgTx) FinalizeOrder(ctx context.Context, o *model.Order) error {
	return finalizeOrder(ctx, t.tx, o, t.accountID)
}

func (t *pgTx) DividendPaid(ctx context.Context, dividendID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dividend_payments WHERE dividend_id = $1 AND account_id = $2)`,
		dividendID, t.accountID).Scan(&exists)
	if err != nil {
		return false, mapError(fmt.Errorf("check dividend payment %s: %w", dividendID, err))
	}
	return exists, nil
}

func (t *pgTx) RecordDividendPayment(ctx context.Context, p *model.DividendPayment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO dividend_payments (id, dividend_id, account_id, shares_at_record_date, amount_paid,
		                                ledger_entry_id, paid_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		p.ID, p.DividendID, t.accountID, p.SharesAtRecordDate, p.AmountPaid.String(), p.LedgerEntryID, p.PaidAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert dividend payment %s/%s: %w", p.DividendID, t.accountID, err))
	}
	return nil
}

// --- Errors ---

// mapError translates PostgreSQL lock and constraint failures into ErrConflict
// and ErrDuplicate, keeping the original error in the chain.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case "23505":
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	}
	return err
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
