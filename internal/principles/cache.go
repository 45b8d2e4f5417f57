package principles

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores verdicts keyed by action and inputs.
type Cache interface {
	Get(ctx context.Context, key string) (Verdict, bool, error)
	Set(ctx context.Context, key string, v Verdict) error
}

// RedisCache keeps verdicts in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Verdict, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Verdict{}, false, nil
	} else if err != nil {
		return Verdict{}, false, err
	}
	var v Verdict
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return Verdict{}, false, fmt.Errorf("decode cached verdict: %w", err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, v Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// cacheKey hashes the inputs; encoding/json sorts map keys, so equal maps
// produce equal keys. Inputs that cannot be encoded are not cacheable.
func cacheKey(action string, params, context map[string]any) (string, error) {
	b, err := json.Marshal(struct {
		P map[string]any `json:"p"`
		C map[string]any `json:"c"`
	}{params, context})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("principles:%s:%x", action, sum), nil
}
