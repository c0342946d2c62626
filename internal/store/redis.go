package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for wallets and holdings. Writes go to the primary store and
// invalidate the account's keys after commit; reads check Redis first then
// fall back to the primary. Reads inside WithAccount always hit the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account, opening decimal.Decimal) error {
	if err := s.Store.CreateAccount(ctx, a, opening); err != nil {
		return err
	}
	s.invalidate(ctx, a.ID)
	return nil
}

func (s *CachedStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	if err := s.Store.WithAccount(ctx, accountID, fn); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.invalidate(ctx, accountID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, accountID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(accountID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	// Cache miss: read from primary.
	w, err := s.Store.GetWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, walletKey(accountID), data, s.ttl)
	}
	return w, nil
}

func (s *CachedStore) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(accountID)).Bytes()
	if err == nil {
		var holdings []model.Holding
		if json.Unmarshal(data, &holdings) == nil {
			return holdings, nil
		}
	}

	// Cache miss.
	holdings, err := s.Store.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(holdings); err == nil {
		s.rdb.Set(ctx, holdingsKey(accountID), data, s.ttl)
	}
	return holdings, nil
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, accountID string) {
	s.rdb.Del(ctx, walletKey(accountID), holdingsKey(accountID))
}

func walletKey(id string) string   { return fmt.Sprintf("wallet:%s", id) }
func holdingsKey(id string) string { return fmt.Sprintf("holdings:%s", id) }
