package cache

import (
	"context"
	"time"
)

// Cache is the key capability behind dispatch deduplication: processed
// markers and inflight claims. Every entry carries a TTL so a crashed
// consumer can never wedge a request forever. Store implements it on Redis
// for multi-replica deployments; Memory serves single-instance runs and
// tests.
type Cache interface {
	// SetIfAbsent sets key to value only when the key does not exist yet.
	// Returns true when this call claimed the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set stores value under key, overwriting any prior value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var (
	_ Cache = (*Store)(nil)
	_ Cache = (*Memory)(nil)
)
