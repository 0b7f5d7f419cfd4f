// Package cache stores verdicts keyed by image content and model fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/classifier"
)

const DefaultTTL = 24 * time.Hour

// Cache is what the prediction flow needs from a verdict store. A miss is
// (nil, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*classifier.Result, error)
	Set(ctx context.Context, key string, result *classifier.Result) error
}

// Key identifies a verdict. Both hashes are content hashes, so a swapped model
// never serves an old verdict.
func Key(imageHash, modelFingerprint string) string {
	return fmt.Sprintf("verdict:%s:%s", imageHash, modelFingerprint)
}

type entry struct {
	Result   classifier.Result `msgpack:"result"`
	StoredAt time.Time         `msgpack:"stored_at"`
}

func encode(result *classifier.Result, now time.Time) ([]byte, error) {
	return msgpack.Marshal(&entry{Result: *result, StoredAt: now.UTC()})
}

func decode(raw []byte) (*classifier.Result, error) {
	var e entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if !classifier.ValidLabel(e.Result.Prediction) {
		return nil, fmt.Errorf("cached verdict has unknown prediction %q", e.Result.Prediction)
	}
	return &e.Result, nil
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger.Named("verdict_cache")}
}

// Connect dials addr and retries the first ping with exponential backoff
// until ctx is done.
func Connect(ctx context.Context, addr string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		err := client.Ping(ctx).Err()
		if err != nil {
			logger.Warn("redis ping failed", zap.String("addr", addr), zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisCache(client, ttl, logger), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*classifier.Result, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := decode(raw)
	if err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		return nil, nil
	}
	return result, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, result *classifier.Result) error {
	raw, err := encode(result, time.Now())
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
