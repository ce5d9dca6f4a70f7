package tokens

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

const DefaultRedisKey = "livelocation:device-tokens"

// hashClient is the subset of *redis.Client the backend uses.
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisBackend keeps all tokens in a single hash keyed by identity.
type RedisBackend struct {
	client hashClient
	key    string
}

// NewRedisBackend connects and pings the server before returning.
func NewRedisBackend(addr, password, key string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.In("tokens").With("addr", addr).Wrapf(err, "redis ping failed")
	}
	return newRedisBackend(client, key), nil
}

func newRedisBackend(client hashClient, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Load(ctx context.Context) (map[string]string, error) {
	tokens, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, oops.In("tokens").With("key", b.key).Wrapf(err, "failed to load device tokens")
	}
	return tokens, nil
}

func (b *RedisBackend) Save(ctx context.Context, identity, token string) error {
	if err := b.client.HSet(ctx, b.key, identity, token).Err(); err != nil {
		return oops.In("tokens").With("key", b.key).With("identity", identity).Wrapf(err, "failed to save device token")
	}
	return nil
}

func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
