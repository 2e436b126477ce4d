package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultCacheTTL bounds how long a cached version lives in Redis.
const DefaultCacheTTL = 24 * time.Hour

// CachedStore is a read-through Redis cache in front of a Store. Only immutable
// version documents are cached; pointers always come from the backing store.
// Redis failures are logged and fall through to the backing store.
type CachedStore struct {
	Store
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps inner with a Redis cache.
func NewCachedStore(inner Store, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		Store:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "policy-cache"),
	}
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func cacheKey(agent string, version int) string {
	return fmt.Sprintf("evoshield:policy:%s:%d", agent, version)
}

// Get serves a version from Redis, loading and caching it on a miss.
func (c *CachedStore) Get(ctx context.Context, agent string, version int) (Policy, error) {
	key := cacheKey(agent, version)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var p Policy
		if jerr := json.Unmarshal([]byte(val), &p); jerr == nil {
			return p, nil
		}
		c.logger.Warn("discarding undecodable cached policy", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("redis get failed", "key", key, "error", err)
	}

	p, err := c.Store.Get(ctx, agent, version)
	if err != nil {
		return Policy{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p, nil
	}
	if err := c.client.Set(ctx, key, string(data), c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", "key", key, "error", err)
	}
	return p, nil
}
