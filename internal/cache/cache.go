// Package cache provides a key/value store with TTL shared by the rate
// limiter and tools.
//
// Two backends implement Cache: NATSStore keeps entries in a JetStream
// key/value bucket, MemoryStore keeps them in process. New tries NATS first
// and falls back to memory.
//
// Values are JSON encoded. A TTL of zero or less means the entry never
// expires.
package cache

import (
	"context"
	"time"
)

// Cache is the contract consumed by the gateway.
//
// Get reports whether key was found and decoded into dest. Backends that
// lose their connection degrade silently: Get reports a miss and mutations
// are no-ops. Errors are returned only for values that cannot be encoded or
// decoded.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	IsConnected() bool
	Stats(ctx context.Context) Stats
	Close() error
}

// Stats summarises cache usage for health reporting.
type Stats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Keys      int    `json:"keys"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
}

// expiryFor converts a TTL into an absolute expiry. The zero time means never.
func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, expiresAt time.Time) bool {
	return !expiresAt.IsZero() && now.After(expiresAt)
}
