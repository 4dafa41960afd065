package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHolds is a Redis-backed HoldStore. The key TTL matches the hold's
// ExpiresAt so abandoned phase-1 flows clean themselves up.
type RedisHolds struct {
	client *redis.Client
	prefix string
}

func NewRedisHolds(client *redis.Client) *RedisHolds {
	return &RedisHolds{
		client: client,
		prefix: "linkhold:",
	}
}

func (r *RedisHolds) key(token string) string {
	return r.prefix + token
}

func (r *RedisHolds) Put(ctx context.Context, h Hold) error {
	if h.Token == "" {
		return fmt.Errorf("linker: missing hold token")
	}
	ttl := time.Until(h.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("linker: hold expires_at must be in the future")
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("linker: failed to marshal hold: %w", err)
	}

	return r.client.Set(ctx, r.key(h.Token), data, ttl).Err()
}

func (r *RedisHolds) Get(ctx context.Context, token string) (*Hold, error) {
	val, err := r.client.Get(ctx, r.key(token)).Result()
	if err == redis.Nil {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}

	var h Hold
	if err := json.Unmarshal([]byte(val), &h); err != nil {
		return nil, fmt.Errorf("linker: failed to unmarshal hold: %w", err)
	}
	return &h, nil
}

func (r *RedisHolds) Delete(ctx context.Context, token string) error {
	return r.client.Del(ctx, r.key(token)).Err()
}
