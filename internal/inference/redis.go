package inference

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisCache stores JSON-encoded responses in redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to redis and pings it.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "inference: connect redis %s", cfg.Addr)
	}

	zap.L().Info("inference: redis cache connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get decodes the cached response for key.
func (c *RedisCache) Get(ctx context.Context, key string) (*Response, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if eris.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "inference: redis get")
	}
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, eris.Wrap(err, "inference: decode cached response")
	}
	return &r, true, nil
}

// Set encodes r under key with ttl. A zero ttl never expires.
func (c *RedisCache) Set(ctx context.Context, key string, r *Response, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "inference: encode response")
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return eris.Wrap(err, "inference: redis set")
	}
	return nil
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
