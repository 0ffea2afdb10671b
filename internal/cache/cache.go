// Package cache provides a job-scoped key/value cache with expiring entries.
//
// The cache avoids recomputation across invocations within a job's lifetime:
// a worker outcome whose terminal swap lost to a pause is parked under
// (jobID, key) and becomes unreadable once its expiration passes.
// Entries are inserted, never mutated; the store purges expired rows.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL bounds how long intermediate results stay reusable.
const DefaultTTL = 1 * time.Hour

// Backend is the persistence for cache entries, implemented by the job store.
type Backend interface {
	PutCacheEntry(ctx context.Context, jobID, key string, payload []byte, expiresAt time.Time) error
	GetCacheEntry(ctx context.Context, jobID, key string, now time.Time) ([]byte, bool, error)
}

// Cache is a typed TTL layer over a Backend.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache with the given TTL. ttl <= 0 uses DefaultTTL.
func New(backend Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores value under (jobID, key), expiring after the cache TTL.
func (c *Cache) Put(ctx context.Context, jobID, key string, value any) error {
	return c.PutWithTTL(ctx, jobID, key, value, c.ttl)
}

// PutWithTTL stores value with an explicit TTL.
func (c *Cache) PutWithTTL(ctx context.Context, jobID, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s/%s: %w", jobID, key, err)
	}
	return c.backend.PutCacheEntry(ctx, jobID, key, payload, c.now().Add(ttl))
}

// Get loads the value for (jobID, key) into dest. Returns false when the
// entry is absent or expired.
func (c *Cache) Get(ctx context.Context, jobID, key string, dest any) (bool, error) {
	payload, ok, err := c.backend.GetCacheEntry(ctx, jobID, key, c.now())
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value for %s/%s: %w", jobID, key, err)
	}
	return true, nil
}
