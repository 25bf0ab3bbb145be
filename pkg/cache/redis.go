package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists cache entries in Redis, one list per key.
//
// Entries never expire. Each Insert appends to the list, and Lookup reads
// the last element.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a cache store with Redis backend.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
	}
}

// Lookup returns the most recently inserted content for key.
// Returns ErrCacheMiss if the key doesn't exist.
func (s *RedisStore) Lookup(ctx context.Context, key Key) (string, error) {
	content, err := s.redis.LIndex(ctx, key.String(), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(backendRedis).Inc()
			return "", ErrCacheMiss
		}
		CacheErrors.WithLabelValues(backendRedis, "lookup").Inc()
		return "", fmt.Errorf("redis lindex: %w", err)
	}

	CacheHits.WithLabelValues(backendRedis).Inc()
	return content, nil
}

// Insert appends entry under its key. Duplicate keys are allowed.
func (s *RedisStore) Insert(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	if err := s.redis.RPush(ctx, entry.Key().String(), entry.Content).Err(); err != nil {
		CacheErrors.WithLabelValues(backendRedis, "insert").Inc()
		return fmt.Errorf("redis rpush: %w", err)
	}

	CacheWrites.WithLabelValues(backendRedis).Inc()
	return nil
}

// Close is a no-op: the Redis client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
