package rir

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores fetched registry bulk files so repeated runs inside the cache
// window skip the large downloads. A nil Cache disables caching.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

const cacheKeyPrefix = "rangerecon:rir:"

// NewCache connects to redis at the given URL. The TTL should stay under the
// scheduler interval so every run at most refreshes once.
func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Cache{client: client, ttl: ttl}, nil
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) put(ctx context.Context, key string, data []byte) {
	if c == nil {
		return
	}
	// Cache misses are recoverable; cache write failures are ignored.
	c.client.Set(ctx, cacheKeyPrefix+key, data, c.ttl)
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
