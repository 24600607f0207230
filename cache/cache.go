package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("key not found")

// Cache is the TTL key/value store backing sessions and pending logins.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// RedisOptions carries connection settings for the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New constructs a cache backend by type name ("memory" or "redis").
func New(backend string, redis *RedisOptions) (Cache, error) {
	switch backend {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		if redis == nil {
			return nil, errors.New("redis options required for redis cache")
		}
		return NewRedisCache(*redis)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", backend)
	}
}
