package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "opticshop:"
	redisDialTimeout      = 5 * time.Second
)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisProvider shares markers between replicas, so a callback retried
// against another instance is still deduplicated.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

func NewRedisProvider(connectionString, keyPrefix string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis connection string: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}

	provider := &RedisProvider{client: redis.NewClient(opts), prefix: keyPrefix}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := provider.Ping(ctx); err != nil {
		_ = provider.client.Close() //nolint
		return nil, err
	}
	return provider, nil
}

func (r *RedisProvider) Get(ctx context.Context, key string) (string, error) {
	token, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read marker %s: %w", key, err)
	}
	return token, nil
}

func (r *RedisProvider) SetIfAbsent(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	claimed, err := r.client.SetNX(ctx, r.key(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim marker %s: %w", key, err)
	}
	return claimed, nil
}

func (r *RedisProvider) Release(ctx context.Context, key string, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release marker %s: %w", key, err)
	}
	return nil
}

func (r *RedisProvider) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (r *RedisProvider) Close() error {
	return r.client.Close()
}

func (r *RedisProvider) key(key string) string {
	return r.prefix + key
}
