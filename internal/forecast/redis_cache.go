package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"price-intel/internal/model"
)

// RedisCache shares forecasts across processes. Each product keeps an index set of
// its cache keys so invalidation does not need a keyspace scan.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configure the Redis cache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisCache dials lazily; use Ping to verify connectivity.
func NewRedisCache(opts RedisOptions) *RedisCache {
	return NewRedisCacheWithClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), opts.Prefix, opts.TTL)
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "priceintel:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) entryKey(key Key) string {
	return c.prefix + "forecast:" + key.String()
}

func (c *RedisCache) indexKey(productID string) string {
	return c.prefix + "forecast-index:" + productID
}

func (c *RedisCache) Get(ctx context.Context, key Key) (model.Forecast, bool, error) {
	data, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Forecast{}, false, nil
	}
	if err != nil {
		return model.Forecast{}, false, fmt.Errorf("redis get forecast: %w", err)
	}

	var f model.Forecast
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Forecast{}, false, fmt.Errorf("decode cached forecast: %w", err)
	}
	return f, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key Key, forecast model.Forecast) error {
	data, err := json.Marshal(forecast)
	if err != nil {
		return fmt.Errorf("encode forecast: %w", err)
	}

	entry := c.entryKey(key)
	index := c.indexKey(key.ProductID)

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, entry, data, c.ttl)
	pipe.SAdd(ctx, index, entry)
	if c.ttl > 0 {
		pipe.Expire(ctx, index, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set forecast: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, productID string) error {
	index := c.indexKey(productID)
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis list forecast keys: %w", err)
	}
	keys = append(keys, index)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis invalidate forecasts: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
