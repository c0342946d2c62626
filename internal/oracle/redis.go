package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares quotes between engine instances through Redis. Values
// are JSON-encoded quotes; expiry is left to Redis.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed quote cache.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "price:"}
}

func (c *RedisCache) Get(ctx context.Context, sym string) (Quote, bool) {
	data, err := c.rdb.Get(ctx, c.prefix+sym).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("price cache read failed", "symbol", sym, "err", err)
		}
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, false
	}
	return q, true
}

func (c *RedisCache) Set(ctx context.Context, q Quote, ttl time.Duration) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+q.Symbol, data, ttl).Err(); err != nil {
		slog.Warn("price cache write failed", "symbol", q.Symbol, "err", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, sym string) {
	c.rdb.Del(ctx, c.prefix+sym)
}
