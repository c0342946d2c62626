package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
)

// DefaultLockTimeout bounds how long WithAccount waits for an account lock.
const DefaultLockTimeout = 2 * time.Second

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence, and the
// per-account lock map grows with every account ever locked and is never
// pruned).
//
// Account locks are one-slot channels so acquisition can time out; writes made
// inside WithAccount are staged on the transaction and applied under mu only
// when fn succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	wallets   map[string]*model.Wallet
	holdings  map[holdingKey]*model.Holding
	orders    map[string]*model.Order
	orderSeq  []string
	ledger    []model.LedgerEntry
	snapshots *btree.BTreeG[snapshotItem]
	snapSeq   uint64
	dividends map[string]*model.Dividend
	payments  map[paymentKey]model.DividendPayment
	jobRuns   []model.JobRun

	lockMu sync.Mutex
	locks  map[string]chan struct{} // never shrinks

	// LockTimeout is how long WithAccount waits before returning ErrConflict.
	LockTimeout time.Duration
}

type holdingKey struct {
	accountID string
	symbol    string
}

type paymentKey struct {
	dividendID string
	accountID  string
}

// snapshotItem orders holding snapshots by symbol, time, then insertion.
type snapshotItem struct {
	snap model.HoldingSnapshot
	seq  uint64
}

func snapshotLess(a, b snapshotItem) bool {
	if a.snap.Symbol != b.snap.Symbol {
		return a.snap.Symbol < b.snap.Symbol
	}
	if !a.snap.At.Equal(b.snap.At) {
		return a.snap.At.Before(b.snap.At)
	}
	return a.seq < b.seq
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		wallets:     make(map[string]*model.Wallet),
		holdings:    make(map[holdingKey]*model.Holding),
		orders:      make(map[string]*model.Order),
		snapshots:   btree.NewG[snapshotItem](16, snapshotLess),
		dividends:   make(map[string]*model.Dividend),
		payments:    make(map[paymentKey]model.DividendPayment),
		locks:       make(map[string]chan struct{}),
		LockTimeout: DefaultLockTimeout,
	}
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account, opening decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	now := a.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	copy := *a
	copy.CreatedAt = now
	s.accounts[a.ID] = &copy
	s.wallets[a.ID] = &model.Wallet{
		AccountID:      a.ID,
		Balance:        opening,
		TotalDeposited: opening,
		TotalWithdrawn: decimal.Zero,
		UpdatedAt:      now,
	}
	if opening.IsPositive() {
		s.ledger = append(s.ledger, openingEntry(a.ID, opening, now))
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	copy := *a
	return &copy, nil
}

// --- Locked unit of work ---

func (s *MemoryStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	s.mu.RLock()
	_, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}

	unlock, err := s.lockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memoryTx{
		store:     s,
		accountID: accountID,
		holdings:  make(map[string]*stagedHolding),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) lockAccount(ctx context.Context, accountID string) (func(), error) {
	s.lockMu.Lock()
	ch, ok := s.locks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[accountID] = ch
	}
	s.lockMu.Unlock()

	timer := time.NewTimer(s.LockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, fmt.Errorf("account %s: %w", accountID, ErrConflict)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commit applies a transaction's staged writes atomically.
func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before mutating anything.
	for _, o := range tx.orders {
		cur, ok := s.orders[o.ID]
		if !ok {
			return fmt.Errorf("order %s: %w", o.ID, model.ErrOrderNotFound)
		}
		if cur.Status != model.OrderPending {
			return fmt.Errorf("order %s: %w", o.ID, model.ErrOrderFinalized)
		}
	}
	for _, p := range tx.payments {
		if _, dup := s.payments[paymentKey{p.DividendID, p.AccountID}]; dup {
			return fmt.Errorf("dividend %s account %s: %w", p.DividendID, p.AccountID, ErrDuplicate)
		}
	}

	if tx.wallet != nil {
		w := *tx.wallet
		s.wallets[tx.accountID] = &w
	}
	for sym, sh := range tx.holdings {
		k := holdingKey{tx.accountID, sym}
		if sh.deleted {
			delete(s.holdings, k)
		} else {
			h := *sh.holding
			s.holdings[k] = &h
		}
	}
	for _, snap := range tx.snapshots {
		s.snapSeq++
		s.snapshots.ReplaceOrInsert(snapshotItem{snap: snap, seq: s.snapSeq})
	}
	s.ledger = append(s.ledger, tx.entries...)
	for _, o := range tx.orders {
		copy := *o
		s.orders[o.ID] = &copy
	}
	for _, p := range tx.payments {
		s.payments[paymentKey{p.DividendID, p.AccountID}] = p
	}
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, ErrDuplicate)
	}
	if _, ok := s.accounts[o.AccountID]; !ok {
		return fmt.Errorf("account %s: %w", o.AccountID, model.ErrAccountNotFound)
	}
	copy := *o
	s.orders[o.ID] = &copy
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *MemoryStore) FinalizeOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrOrderNotFound)
	}
	if cur.Status != model.OrderPending {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrOrderFinalized)
	}
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, id := range s.orderSeq {
		if o := s.orders[id]; o.AccountID == accountID {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) PendingOrders(_ context.Context, createdBefore time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Status == model.OrderPending && o.CreatedAt.Before(createdBefore) {
			result = append(result, *o)
		}
	}
	return result, nil
}

// --- Read models ---

func (s *MemoryStore) GetWallet(_ context.Context, accountID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[accountID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", accountID, model.ErrAccountNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, accountID, symbol string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey{accountID, symbol}]
	if !ok {
		return nil, nil
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, accountID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.accountID == accountID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) Entries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) EntriesForOrder(_ context.Context, orderID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.RelatedOrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

// HoldersAsOf walks the symbol's snapshots up to t; the last snapshot of each
// account is its position at t.
func (s *MemoryStore) HoldersAsOf(_ context.Context, symbol string, t time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := make(map[string]int64)
	pivot := snapshotItem{snap: model.HoldingSnapshot{Symbol: symbol}}
	s.snapshots.AscendGreaterOrEqual(pivot, func(it snapshotItem) bool {
		if it.snap.Symbol != symbol || it.snap.At.After(t) {
			return false
		}
		last[it.snap.AccountID] = it.snap.Quantity
		return true
	})

	holders := make(map[string]int64, len(last))
	for acct, qty := range last {
		if qty > 0 {
			holders[acct] = qty
		}
	}
	return holders, nil
}

// --- Dividends ---

func (s *MemoryStore) CreateDividend(_ context.Context, dv *model.Dividend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dividends[dv.ID]; exists {
		return fmt.Errorf("dividend %s: %w", dv.ID, ErrDuplicate)
	}
	copy := *dv
	s.dividends[dv.ID] = &copy
	return nil
}

func (s *MemoryStore) GetDividend(_ context.Context, id string) (*model.Dividend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dv, ok := s.dividends[id]
	if !ok {
		return nil, fmt.Errorf("dividend %s: %w", id, model.ErrDividendNotFound)
	}
	copy := *dv
	return &copy, nil
}

func (s *MemoryStore) DividendsPayableOn(_ context.Context, day time.Time) ([]model.Dividend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end := dayBounds(day)
	var result []model.Dividend
	for _, dv := range s.dividends {
		if !dv.PaymentDate.Before(start) && dv.PaymentDate.Before(end) {
			result = append(result, *dv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DividendPayments(_ context.Context, dividendID string) ([]model.DividendPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DividendPayment
	for k, p := range s.payments {
		if k.dividendID == dividendID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result, nil
}

// --- Jobs ---

func (s *MemoryStore) RecordJobRun(_ context.Context, run *model.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobRuns = append(s.jobRuns, *run)
	return nil
}

// JobRuns returns every recorded job run. Test helper.
func (s *MemoryStore) JobRuns() []model.JobRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.JobRun, len(s.jobRuns))
	copy(out, s.jobRuns)
	return out
}

// --- Transaction ---

type stagedHolding struct {
	holding *model.Holding
	deleted bool
}

// memoryTx stages writes for one account until commit.
type memoryTx struct {
	store     *MemoryStore
	accountID string
	wallet    *model.Wallet
	holdings  map[string]*stagedHolding
	snapshots []model.HoldingSnapshot
	entries   []model.LedgerEntry
	orders    []*model.Order
	payments  []model.DividendPayment
}

func (tx *memoryTx) AccountID() string { return tx.accountID }

func (tx *memoryTx) Wallet(ctx context.Context) (*model.Wallet, error) {
	if tx.wallet != nil {
		w := *tx.wallet
		return &w, nil
	}
	return tx.store.GetWallet(ctx, tx.accountID)
}

func (tx *memoryTx) Holding(ctx context.Context, symbol string) (*model.Holding, error) {
	if sh, ok := tx.holdings[symbol]; ok {
		if sh.deleted {
			return nil, nil
		}
		h := *sh.holding
		return &h, nil
	}
	return tx.store.GetHolding(ctx, tx.accountID, symbol)
}

func (tx *memoryTx) SaveWallet(_ context.Context, w *model.Wallet) error {
	if w.AccountID != tx.accountID {
		return fmt.Errorf("wallet %s is not locked by this transaction", w.AccountID)
	}
	copy := *w
	tx.wallet = &copy
	return nil
}

func (tx *memoryTx) SaveHolding(_ context.Context, h *model.Holding) error {
	if h.AccountID != tx.accountID {
		return fmt.Errorf("holding of %s is not locked by this transaction", h.AccountID)
	}
	if h.Quantity <= 0 {
		return fmt.Errorf("holding %s: quantity must be positive, got %d", h.Symbol, h.Quantity)
	}
	copy := *h
	tx.holdings[h.Symbol] = &stagedHolding{holding: &copy}
	tx.snapshots = append(tx.snapshots, model.HoldingSnapshot{
		AccountID: h.AccountID,
		Symbol:    h.Symbol,
		Quantity:  h.Quantity,
		At:        h.UpdatedAt,
	})
	return nil
}

func (tx *memoryTx) DeleteHolding(_ context.Context, symbol string, at time.Time) error {
	tx.holdings[symbol] = &stagedHolding{deleted: true}
	tx.snapshots = append(tx.snapshots, model.HoldingSnapshot{
		AccountID: tx.accountID,
		Symbol:    symbol,
		Quantity:  0,
		At:        at,
	})
	return nil
}

func (tx *memoryTx) AppendEntry(_ context.Context, e *model.LedgerEntry) error {
	if e.AccountID != tx.accountID {
		return fmt.Errorf("entry for %s is not locked by this transaction", e.AccountID)
	}
	tx.entries = append(tx.entries, *e)
	return nil
}

func (tx *memoryTx) FinalizeOrder(_ context.Context, o *model.Order) error {
	if o.AccountID != tx.accountID {
		return fmt.Errorf("order %s belongs to another account", o.ID)
	}
	copy := *o
	tx.orders = append(tx.orders, &copy)
	return nil
}

func (tx *memoryTx) DividendPaid(_ context.Context, dividendID string) (bool, error) {
	for _, p := range tx.payments {
		if p.DividendID == dividendID {
			return true, nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.payments[paymentKey{dividendID, tx.accountID}]
	return ok, nil
}

func (tx *memoryTx) RecordDividendPayment(ctx context.Context, p *model.DividendPayment) error {
	paid, err := tx.DividendPaid(ctx, p.DividendID)
	if err != nil {
		return err
	}
	if paid {
		return fmt.Errorf("dividend %s account %s: %w", p.DividendID, tx.accountID, ErrDuplicate)
	}
	tx.payments = append(tx.payments, *p)
	return nil
}

func openingEntry(accountID string, amount decimal.Decimal, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:            newID(),
		AccountID:     accountID,
		Type:          model.EntryDeposit,
		Amount:        amount,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  amount,
		CreatedAt:     at,
	}
}
