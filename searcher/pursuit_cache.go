package searcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisPursuitCache marks opportunity keys a node recently pursued so a
// fleet of nodes does not pile on the same opportunity. It is best-effort
// only: the in-memory registry stays the authoritative dedup point, a redis
// failure never blocks detection.
type RedisPursuitCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisPursuitCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisPursuitCache {
	return &RedisPursuitCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *RedisPursuitCache) Add(ctx context.Context, key common.Hash) error {
	return c.client.Set(ctx, c.keyPrefix+key.Hex(), 1, c.expireDuration).Err()
}

// IsPursued reports whether any of the keys was recently marked.
func (c *RedisPursuitCache) IsPursued(ctx context.Context, keys []common.Hash) (bool, error) {
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = c.keyPrefix + k.Hex()
	}
	res, err := c.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return false, err
	}
	for _, r := range res {
		if r != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *RedisPursuitCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
