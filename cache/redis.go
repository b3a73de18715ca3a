package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrExpiryUnavailable is returned when the Redis expiry backend cannot be
// reached.
var ErrExpiryUnavailable = errors.New("expiry store unavailable")

// RedisExpiryStore is an [ExpiryStore] backed by Redis, for callers that share
// the expiry index between processes. Values carry no TTL of their own; the
// engine treats a missing value as already expired, so eviction is harmless.
type RedisExpiryStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisExpiryStore builds a Redis expiry store under the given key prefix.
// An empty prefix defaults to "azexp".
func NewRedisExpiryStore(client redis.UniversalClient, prefix string) *RedisExpiryStore {
	if prefix == "" {
		prefix = "azexp"
	}
	return &RedisExpiryStore{client: client, prefix: prefix}
}

func (s *RedisExpiryStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisExpiryStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrExpiryUnavailable, err)
	}
	return nil
}

func (s *RedisExpiryStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrExpiryUnavailable, err)
	}
	return value, true, nil
}
