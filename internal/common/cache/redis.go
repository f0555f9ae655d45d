// Package cache wraps a Redis client for balance caching, rate-limiting
// sliding windows, and simple set-if-absent locks.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmassidik/walletd/internal/common/config"
	"github.com/kmassidik/walletd/internal/common/logger"
)

// Cache wraps a *redis.Client.
type Cache struct {
	client *redis.Client
	log    *logger.Logger
}

// Connect builds a Redis client and verifies it with a PING.
func Connect(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	log.Infof("connected to redis at %s", cfg.Addr)
	return &Cache{client: client, log: log}, nil
}

// Client exposes the underlying client for callers that need redsync or
// other lower-level access (e.g. internal/coordinator).
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the underlying connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health pings Redis, used by the readiness endpoint.
func (c *Cache) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: health ping: %w", err)
	}
	return nil
}

func balanceKey(walletID string) string {
	return fmt.Sprintf("wallet:balance:%s", walletID)
}

// SetBalance caches a wallet's balance string with a TTL.
func (c *Cache) SetBalance(ctx context.Context, walletID, balance string, ttl time.Duration) {
	if err := c.client.Set(ctx, balanceKey(walletID), balance, ttl).Err(); err != nil {
		c.log.Warnf("cache: set balance for %s: %v", walletID, err)
	}
}

// GetBalance returns the cached balance for a wallet, and whether it was
// present.
func (c *Cache) GetBalance(ctx context.Context, walletID string) (string, bool) {
	val, err := c.client.Get(ctx, balanceKey(walletID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Warnf("cache: get balance for %s: %v", walletID, err)
		return "", false
	}
	return val, true
}

// InvalidateBalance removes a cached balance. Freeze, unfreeze and close
// call it; deposit and withdraw overwrite the cached value with SetBalance
// instead.
func (c *Cache) InvalidateBalance(ctx context.Context, walletID string) {
	if err := c.client.Del(ctx, balanceKey(walletID)).Err(); err != nil {
		c.log.Warnf("cache: invalidate balance for %s: %v", walletID, err)
	}
}

// SetNX acquires a key atomically for the given TTL, returning true if this
// call won it. Used for the fraud consumer's consumed-event idempotency key.
func (c *Cache) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx %s: %w", key, err)
	}
	return ok, nil
}

// RecordEvent appends a timestamped member to a sorted set, trims entries
// older than window, and returns the number of members remaining — the
// sliding-window counter used by the rapid-withdrawal fraud rule.
func (c *Cache) RecordEvent(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	member := fmt.Sprintf("%d-%s", at.UnixNano(), uniqueSuffix())

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", at.Add(-window).UnixNano()))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache: record event %s: %w", key, err)
	}
	return card.Val(), nil
}

var counter uint64

func uniqueSuffix() string {
	return fmt.Sprintf("%d", atomic.AddUint64(&counter, 1))
}
