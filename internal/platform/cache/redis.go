package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/orders/internal/platform/config"
)

const (
	// order_status:{order_id} -> JSON status view
	keyOrderStatus = "order_status:%s"
	// dedup:{scope}:{id}
	keyDedup = "dedup:%s:%s"

	dedupScopeWebhook = "webhook"

	defaultStatusTTL = 5 * time.Minute
	defaultDedupTTL  = 48 * time.Hour
)

// Commands is the subset of the go-redis API used by the order service.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// NewClient dials redis lazily; the first command establishes the connection.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         strings.TrimSpace(cfg.Addr),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Cache holds the order status read-through cache and the webhook dedup markers. Redis is
// advisory: durable uniqueness lives in the order store, so every method tolerates a nil Cache.
type Cache struct {
	rdb       Commands
	statusTTL time.Duration
	dedupTTL  time.Duration
}

// New wraps the redis commands with the configured TTLs.
func New(rdb Commands, cfg config.RedisConfig) *Cache {
	c := &Cache{rdb: rdb, statusTTL: cfg.StatusTTL, dedupTTL: cfg.DedupTTL}
	if c.statusTTL <= 0 {
		c.statusTTL = defaultStatusTTL
	}
	if c.dedupTTL <= 0 {
		c.dedupTTL = defaultDedupTTL
	}
	return c
}

// OrderStatus returns the cached status payload. A miss is (nil, false, nil).
func (c *Cache) OrderStatus(ctx context.Context, orderID string) ([]byte, bool, error) {
	if c == nil || c.rdb == nil {
		return nil, false, nil
	}
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(keyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get order status: %w", err)
	}
	return raw, len(raw) > 0, nil
}

// StoreOrderStatus caches the status payload for the status TTL.
func (c *Cache) StoreOrderStatus(ctx context.Context, orderID string, payload []byte) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Set(ctx, fmt.Sprintf(keyOrderStatus, orderID), payload, c.statusTTL).Err(); err != nil {
		return fmt.Errorf("cache: set order status: %w", err)
	}
	return nil
}

// InvalidateOrderStatus drops the cached status after a mutation.
func (c *Cache) InvalidateOrderStatus(ctx context.Context, orderID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, fmt.Sprintf(keyOrderStatus, orderID)).Err(); err != nil {
		return fmt.Errorf("cache: delete order status: %w", err)
	}
	return nil
}

// WebhookSeen reports whether a delivery for the gateway transaction id was already processed.
func (c *Cache) WebhookSeen(ctx context.Context, transactionID string) (bool, error) {
	if c == nil || c.rdb == nil || strings.TrimSpace(transactionID) == "" {
		return false, nil
	}
	n, err := c.rdb.Exists(ctx, fmt.Sprintf(keyDedup, dedupScopeWebhook, transactionID)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: check webhook dedup: %w", err)
	}
	return n > 0, nil
}

// MarkWebhook records the transaction id as processed.
func (c *Cache) MarkWebhook(ctx context.Context, transactionID string) error {
	if c == nil || c.rdb == nil || strings.TrimSpace(transactionID) == "" {
		return nil
	}
	if err := c.rdb.Set(ctx, fmt.Sprintf(keyDedup, dedupScopeWebhook, transactionID), "1", c.dedupTTL).Err(); err != nil {
		return fmt.Errorf("cache: mark webhook: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}
