// Package cache defines the port for the in-process snapshot cache.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized snapshots with a TTL. Used to absorb repeated
// read-only queries (project and agent listings) without touching the store.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close()
}
