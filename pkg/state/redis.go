package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// Cache is the hot read-through layer in front of the durable surface.
// It never owns versions; it mirrors durable records verbatim.
type Cache interface {
	GetRecord(ctx context.Context, key string) (*contracts.StateRecord, bool, error)
	PutRecord(ctx context.Context, rec *contracts.StateRecord, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// RedisCache implements Cache on a Redis instance.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache backed by the given Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisCacheAddr dials addr and returns a cache over it.
func NewRedisCacheAddr(addr, password string, db int) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func cacheKey(key string) string { return "state:" + key }

// GetRecord implements Cache. A cache miss is (nil, false, nil).
func (c *RedisCache) GetRecord(ctx context.Context, key string) (*contracts.StateRecord, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: cache get: %v", contracts.ErrTransientInfra, err)
	}
	var rec contracts.StateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt cache entry is treated as a miss; durable wins.
		return nil, false, nil
	}
	return &rec, true, nil
}

// PutRecord implements Cache.
func (c *RedisCache) PutRecord(ctx context.Context, rec *contracts.StateRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("state: marshal cache record: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(rec.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: cache put: %v", contracts.ErrTransientInfra, err)
	}
	return nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: cache invalidate: %v", contracts.ErrTransientInfra, err)
	}
	return nil
}
