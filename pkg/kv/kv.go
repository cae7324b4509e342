package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache TTLs for the shared key space. A zero TTL means the key never
// expires.
const (
	TTLCohesiveness = time.Hour
	TTLRepoMirror   = time.Hour
	TTLSkipped      = 7 * 24 * time.Hour
	TTLDailyReport  = 30 * 24 * time.Hour
)

// Key builders for the shared key space.
func RepoKey(fullName string) string         { return "repo:" + fullName }
func CohesivenessKey(fullName string) string { return "cohesiveness:" + fullName }
func SkippedKey(taskID string) string        { return "skipped:" + taskID }
func EscalatedKey(taskID string) string      { return "escalated:" + taskID }
func JobCacheKey(jobID string) string        { return "cache:" + jobID }
func DailyReportKey(day string) string       { return "report:daily:" + day }

// Cache is the shared best-effort key-value store. Canonical per-entity keys
// are written only by the owning component; everything else is cache.
type Cache interface {
	GetJSON(ctx context.Context, key string, v interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// RedisCache implements Cache on a Redis connection.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis at addr.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// NewRedisCacheFromClient wraps an existing client (used by tests).
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// GetJSON reads key into v. Returns false when the key does not exist.
func (c *RedisCache) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON writes v under key with the given TTL (0 = no expiry).
func (c *RedisCache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are not an error.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
