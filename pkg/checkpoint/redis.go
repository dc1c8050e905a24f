package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces checkpoint keys in Redis.
const RedisKeyPrefix = "partcrawl:checkpoint:"

// RedisBackend stores checkpoints as plain Redis strings without expiry.
// A single SET replaces the value atomically.
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a Redis backend.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{redis: redisClient}
}

// Read returns the stored bytes for key.
func (b *RedisBackend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := b.redis.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Write stores data under key.
func (b *RedisBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := b.redis.Set(ctx, RedisKeyPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.redis.Del(ctx, RedisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
