package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyPrefix = "idem:ride:"

// RedisIdempotencyRepo caches create-ride responses in Redis with a TTL so a
// retried request returns the original ride instead of creating a second one.
type RedisIdempotencyRepo struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIdempotencyRepo constructs the repository.
func NewRedisIdempotencyRepo(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyRepo {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyRepo{client: client, keyPrefix: prefix, ttl: ttl}
}

// GetResponse retrieves a cached response payload.
func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return payload, true, nil
}

// PutResponse stores a response payload under the caller's key.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
