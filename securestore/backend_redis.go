package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable wraps transport failures from a remote backend.
var ErrBackendUnavailable = errors.New("storage backend unavailable")

// RedisBackend persists blobs in Redis. It exists for non-device hosts of
// the same core (edge agents, gateway sidecars) that share its session
// semantics but have no private filesystem.
type RedisBackend struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisBackend returns a RedisBackend namespaced under prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "ac"
	}
	return &RedisBackend{redis: client, prefix: prefix}
}

func (b *RedisBackend) key(key string) string {
	return b.prefix + ":" + key
}

func (b *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := b.redis.Set(ctx, b.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.redis.Get(ctx, b.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return data, true, nil
}

func (b *RedisBackend) Remove(ctx context.Context, key string) error {
	if err := b.redis.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
