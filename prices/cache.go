package prices

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is the price cache. The Redis implementation is process-shared; tests
// substitute an in-memory one.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type RedisCache struct {
	Rdb *redis.Client
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.Rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.Rdb.Set(ctx, key, value, ttl).Err()
}
