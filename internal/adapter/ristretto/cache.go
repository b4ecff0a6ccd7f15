// Package ristretto implements the snapshot cache port on
// dgraph-io/ristretto.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// snapshotKeys is the admission counter sizing. The workload is a handful
// of hot snapshot keys (project and agent listings), not a large keyspace,
// so the counters can stay small regardless of MaxCost.
const snapshotKeys = 1 << 10

// Cache stores serialized read-side snapshots.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a ristretto-backed snapshot cache. maxCostBytes bounds the
// total size of cached values.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: snapshotKeys * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get retrieves a snapshot. A miss is not an error.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a snapshot with the given TTL, costed by its serialized size.
// Ristretto applies writes asynchronously; Wait makes the snapshot visible
// to the request that follows the one that built it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(key)+len(value)), ttl)
	c.c.Wait()
	return nil
}

// Delete invalidates a snapshot after a state-changing request.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	c.c.Wait()
	return nil
}

// Close shuts down the cache.
func (c *Cache) Close() {
	c.c.Close()
}
