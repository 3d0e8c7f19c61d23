package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const stockKeyPrefix = "posledger:stock:"

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(client *redis.Client) *RedisStockCache {
	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Get(ctx context.Context, productID string) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, stockKeyPrefix+productID).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	qty, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("stock cache %s: %w", productID, err)
	}
	return qty, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, productID string, qty decimal.Decimal, ttl time.Duration) error {
	return c.client.Set(ctx, stockKeyPrefix+productID, qty.String(), ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, stockKeyPrefix+id)
	}
	return c.client.Del(ctx, keys...).Err()
}
