package auth

import (
	"context"
	"time"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// StringCache is the slice of a key/value client the shared key tier
// needs. The Redis client in pkg/clients/redis satisfies it; a missing key
// must be reported as an [sserr.IsNotFound] error.
type StringCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

// RedisKeySetStore adapts a StringCache to [KeySetStore].
type RedisKeySetStore struct {
	cache StringCache
}

// NewRedisKeySetStore returns a KeySetStore backed by cache.
func NewRedisKeySetStore(cache StringCache) *RedisKeySetStore {
	return &RedisKeySetStore{cache: cache}
}

// LoadKeySet implements [KeySetStore].
func (s *RedisKeySetStore) LoadKeySet(ctx context.Context, key string) ([]byte, error) {
	v, err := s.cache.Get(ctx, key)
	if err != nil {
		if sserr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(v), nil
}

// StoreKeySet implements [KeySetStore].
func (s *RedisKeySetStore) StoreKeySet(ctx context.Context, key string, doc []byte, ttl time.Duration) error {
	return s.cache.Set(ctx, key, string(doc), ttl)
}
