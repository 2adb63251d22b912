package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations. The abstraction
// keeps business logic off the concrete client so tests can run against
// miniredis and deployments can swap Redis out.
type Cache interface {
	// Get retrieves the value for the given key, "" on miss
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)

	// Close closes the cache connection
	Close() error
}
