package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares tenant account slices between replicas so a freshly
// started instance can serve lookups before its first directory fetch.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: "directory:",
		ttl:    ttl,
	}, nil
}

func (c *RedisCache) key(tenant string) string {
	return c.prefix + tenant
}

// SetTenant stores a tenant's full account slice with the cache TTL.
func (c *RedisCache) SetTenant(ctx context.Context, tenant string, accounts []Account) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tenant), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("save tenant accounts: %w", err)
	}
	return nil
}

// Tenant loads a tenant's account slice. found is false when the entry
// is absent or expired.
func (c *RedisCache) Tenant(ctx context.Context, tenant string) ([]Account, bool, error) {
	data, err := c.client.Get(ctx, c.key(tenant)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup tenant accounts: %w", err)
	}
	var accounts []Account
	if err := json.Unmarshal([]byte(data), &accounts); err != nil {
		return nil, false, fmt.Errorf("unmarshal tenant accounts: %w", err)
	}
	return accounts, true, nil
}

// Invalidate drops a tenant's entry.
func (c *RedisCache) Invalidate(ctx context.Context, tenant string) error {
	if err := c.client.Del(ctx, c.key(tenant)).Err(); err != nil {
		return fmt.Errorf("invalidate tenant accounts: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
