package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobResultTTL bounds how long a terminal job payload is served from cache
// before falling back to the database.
const JobResultTTL = 10 * time.Second

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error

	SetJobResult(ctx context.Context, jobID uuid.UUID, payload []byte) error
	GetJobResult(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error)
	InvalidateJobResult(ctx context.Context, jobID uuid.UUID) error

	// GetStrategy returns the persisted load-balancing strategy, or found=false
	// when none has been set.
	GetStrategy(ctx context.Context) (string, bool, error)
	SetStrategy(ctx context.Context, strategy string) error

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobResult(ctx context.Context, jobID uuid.UUID, payload []byte) error {
	return c.client.Set(ctx, JobResultKey(jobID), payload, JobResultTTL).Err()
}

func (c *RedisCache) GetJobResult(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, JobResultKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) InvalidateJobResult(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobResultKey(jobID)).Err()
}

func (c *RedisCache) GetStrategy(ctx context.Context) (string, bool, error) {
	val, err := c.client.Get(ctx, StrategyKey).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetStrategy persists the strategy with no TTL; it survives restarts.
func (c *RedisCache) SetStrategy(ctx context.Context, strategy string) error {
	return c.client.Set(ctx, StrategyKey, strategy, 0).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
