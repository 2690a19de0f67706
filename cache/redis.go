package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 300 * time.Millisecond

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// GetRedisClient returns a singleton Redis client configured from environment
// variables. REDIS_ADDR defaults to localhost:6379 when unset. REDIS_DB and
// REDIS_PASSWORD are optional.
func GetRedisClient() (*redis.Client, error) {
	redisOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
		if addr == "" {
			addr = "localhost:6379"
		}
		password := os.Getenv("REDIS_PASSWORD")
		db := 0
		if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
			if parsed, err := strconv.Atoi(rawDB); err == nil {
				db = parsed
			}
		}

		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			redisErr = fmt.Errorf("cache: ping redis %s failed: %w", addr, err)
			_ = client.Close()
			return
		}

		redisClient = client
	})

	return redisClient, redisErr
}

// Enabled reports whether a usable Redis client was initialized.
func Enabled() bool {
	client, err := GetRedisClient()
	return err == nil && client != nil
}

// Close releases the cached Redis connection. Mainly useful for tests.
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}

// ValueCache stores JSON-encoded values with a short TTL. Cache failures are
// logged and swallowed; a cold or broken cache only costs latency.
type ValueCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewValueCache builds a ValueCache over the given client. A nil client
// yields a cache whose operations are all no-ops.
func NewValueCache(client *redis.Client, prefix string, ttl time.Duration) *ValueCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ValueCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *ValueCache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultOpTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= defaultOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultOpTimeout)
}

func (c *ValueCache) key(parts ...string) string {
	if c == nil || c.client == nil {
		return ""
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Get decodes the cached value into out and reports whether it was present.
func (c *ValueCache) Get(ctx context.Context, out interface{}, keyParts ...string) bool {
	if c == nil || c.client == nil {
		return false
	}
	key := c.key(keyParts...)
	if key == "" {
		return false
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("cache: read %s failed: %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Printf("cache: decode %s failed: %v", key, err)
		return false
	}
	return true
}

// Set stores the value under the joined key.
func (c *ValueCache) Set(ctx context.Context, value interface{}, keyParts ...string) {
	if c == nil || c.client == nil {
		return
	}
	key := c.key(keyParts...)
	if key == "" {
		return
	}

	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("cache: marshal %s failed: %v", key, err)
		return
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Printf("cache: store %s failed: %v", key, err)
	}
}

// InvalidatePrefix removes all keys below the given key parts.
func (c *ValueCache) InvalidatePrefix(ctx context.Context, keyParts ...string) {
	if c == nil || c.client == nil {
		return
	}
	pattern := c.key(keyParts...) + "*"

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Printf("cache: invalidate %s failed: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("cache: scan %s failed: %v", pattern, err)
	}
}
