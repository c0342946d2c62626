package oracle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/simbroker/ledger-engine/internal/symbol"
)

// Cache stores quotes for a bounded time.
type Cache interface {
	Get(ctx context.Context, sym string) (Quote, bool)
	Set(ctx context.Context, q Quote, ttl time.Duration)
	Delete(ctx context.Context, sym string)
}

// Cached puts a TTL cache in front of a source oracle. Staleness up to the
// TTL is acceptable for pricing; the engine pins the quote it validated with,
// so a refresh never changes an in-flight order.
type Cached struct {
	source Oracle
	cache  Cache
	ttl    time.Duration
}

// NewCached wraps source. A nil cache uses an in-process map.
func NewCached(source Oracle, cache Cache, ttl time.Duration) *Cached {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Cached{source: source, cache: cache, ttl: ttl}
}

func (c *Cached) GetPrice(ctx context.Context, sym string) (Quote, error) {
	sym = symbol.Normalize(sym)
	if q, ok := c.cache.Get(ctx, sym); ok {
		return q, nil
	}

	q, err := c.source.GetPrice(ctx, sym)
	if err != nil {
		// Unknown symbols and outages are never cached.
		return Quote{}, err
	}
	c.cache.Set(ctx, q, c.ttl)
	return q, nil
}

// Refresh drops cached quotes for symbols and fetches them again from the
// source. It returns the symbols that could not be refreshed.
func (c *Cached) Refresh(ctx context.Context, symbols ...string) (map[string]error, error) {
	failed := make(map[string]error)
	for _, sym := range symbols {
		sym = symbol.Normalize(sym)
		c.cache.Delete(ctx, sym)
		q, err := c.source.GetPrice(ctx, sym)
		if err != nil {
			failed[sym] = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return failed, err
			}
			continue
		}
		c.cache.Set(ctx, q, c.ttl)
		slog.Debug("price refreshed", "symbol", q.Symbol, "price", q.Price.String(), "as_of", q.AsOf)
	}
	return failed, nil
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	quote   Quote
	expires time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, sym string) (Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[sym]
	if !ok || !m.now().Before(e.expires) {
		return Quote{}, false
	}
	return e.quote, true
}

func (m *MemoryCache) Set(_ context.Context, q Quote, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[q.Symbol] = memoryEntry{quote: q, expires: m.now().Add(ttl)}
}

func (m *MemoryCache) Delete(_ context.Context, sym string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sym)
}
