package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-costproxy/internal/fingerprint"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	flushTimeout        = 30 * time.Second
	scanBatch           = 500
)

// RedisCache is a Redis-backed ResponseCache shared by every replica.
//
// Entries are JSON documents stored under fingerprint.StoragePrefix with
// SET EX, so Redis expires them itself. Capacity eviction is delegated to
// the server's maxmemory-policy (allkeys-lru recommended).
//
// Operations degrade gracefully when Redis is unavailable:
//   - Get reports a miss on any error.
//   - Put logs and counts the failure and returns it; callers treat a failed
//     write as skipped.
type RedisCache struct {
	client       *redis.Client
	ttl          time.Duration
	queryTimeout time.Duration
	ownsClient   bool

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// NewRedisCacheFromClient wraps an existing client. The caller owns the
// client lifecycle.
func NewRedisCacheFromClient(cli *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: cli, ttl: ttl, queryTimeout: defaultQueryTimeout}
}

// NewRedisCacheFromURL parses redisURL, verifies the connection with a PING
// and returns a RedisCache that owns its client.
func NewRedisCacheFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	c := NewRedisCacheFromClient(cli, ttl)
	c.ownsClient = true
	return c, nil
}

func (c *RedisCache) Get(ctx context.Context, key fingerprint.Key) (Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key.StorageKey()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errs.Add(1)
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
		c.misses.Add(1)
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.errs.Add(1)
		c.misses.Add(1)
		slog.WarnContext(ctx, "cache_decode_error",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return Entry{}, false
	}

	c.hits.Add(1)
	return e, true
}

// Put writes e if key is not already present (SET NX EX); entries are
// write-once. A failed write is counted and returned for the caller to log.
func (c *RedisCache) Put(ctx context.Context, key fingerprint.Key, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	e.Key = key
	if e.TTL <= 0 {
		e.TTL = c.ttl
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}

	if err := c.client.SetNX(ctx, key.StorageKey(), raw, e.TTL).Err(); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("cache: SETNX: %w", err)
	}
	return nil
}

// EvictExpired is a no-op: Redis expires keys itself.
func (c *RedisCache) EvictExpired() {}

// EvictToCapacity is a no-op: Redis enforces maxmemory itself.
func (c *RedisCache) EvictToCapacity() {}

// Flush deletes every fingerprint key using SCAN so the server is never
// blocked by a single large KEYS call.
func (c *RedisCache) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, fingerprint.StoragePrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("cache: SCAN: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: DEL: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats reports this replica's counters. Occupancy lives in Redis and is
// not tracked here.
func (c *RedisCache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Backend: "redis",
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
		Errors:  c.errs.Load(),
	}
}

// Close releases the connection pool when the cache created it.
func (c *RedisCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Close()
}
