package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandwichfarm/nostatus/internal/ops"
)

// record is the serialized form of a cached value
type record[T any] struct {
	Value         T     `json:"value"`
	LastFetchedAt int64 `json:"last_fetched_at"`
}

// Entry is a cached value with its freshness
type Entry[T any] struct {
	Value         T
	LastFetchedAt time.Time
	Tier          Tier
}

// Cache is a typed view over a Backend with per-record freshness.
// Keys are namespaced under entity.
type Cache[T any] struct {
	backend Backend
	entity  string
	policy  Policy
	now     func() time.Time
	group   singleflight.Group
	logger  *ops.Logger
	metrics *ops.Metrics
}

// CacheOption configures a Cache
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	now     func() time.Time
	logger  *ops.Logger
	metrics *ops.Metrics
}

// WithClock overrides the time source used to stamp and classify records
func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) { o.now = now }
}

// WithCacheLogger sets the logger
func WithCacheLogger(l *ops.Logger) CacheOption {
	return func(o *cacheOptions) { o.logger = l }
}

// WithCacheMetrics sets the metrics sink
func WithCacheMetrics(m *ops.Metrics) CacheOption {
	return func(o *cacheOptions) { o.metrics = m }
}

// NewCache creates a typed cache for entity over backend
func NewCache[T any](backend Backend, entity string, policy Policy, opts ...CacheOption) *Cache[T] {
	o := cacheOptions{now: time.Now, logger: ops.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		backend: backend,
		entity:  entity,
		policy:  policy,
		now:     o.now,
		logger:  o.logger.WithComponent("cache").WithFields("entity", entity),
		metrics: o.metrics,
	}
}

func (c *Cache[T]) key(k string) string {
	return c.entity + ":" + k
}

// Get returns the cached entry for key. ok is false when the key is absent
// or the record is expired.
func (c *Cache[T]) Get(ctx context.Context, key string) (entry Entry[T], ok bool, err error) {
	data, found, err := c.backend.Get(ctx, c.key(key))
	if err != nil {
		return entry, false, err
	}
	if !found {
		c.observe("miss")
		return entry, false, nil
	}

	var rec record[T]
	if err := json.Unmarshal(data, &rec); err != nil {
		// unreadable records are misses
		c.logger.Warn("discarding corrupt cache record", "key", key, "error", err)
		c.observe("miss")
		return entry, false, nil
	}

	entry = Entry[T]{
		Value:         rec.Value,
		LastFetchedAt: time.Unix(rec.LastFetchedAt, 0),
	}
	entry.Tier = c.policy.Classify(entry.LastFetchedAt, c.now())
	c.observe(entry.Tier.String())
	if entry.Tier == Expired {
		return entry, false, nil
	}
	return entry, true, nil
}

// GetMany returns the usable entries among keys
func (c *Cache[T]) GetMany(ctx context.Context, keys []string) (map[string]Entry[T], error) {
	out := make(map[string]Entry[T], len(keys))
	for _, key := range keys {
		entry, ok, err := c.Get(ctx, key)
		if err != nil {
			return out, err
		}
		if ok {
			out[key] = entry
		}
	}
	return out, nil
}

// Put stores value stamped with the current time
func (c *Cache[T]) Put(ctx context.Context, key string, value T) error {
	return c.PutAt(ctx, key, value, c.now())
}

// PutAt stores value stamped with fetchedAt
func (c *Cache[T]) PutAt(ctx context.Context, key string, value T, fetchedAt time.Time) error {
	data, err := json.Marshal(record[T]{Value: value, LastFetchedAt: fetchedAt.Unix()})
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", c.entity, err)
	}
	start := time.Now()
	err = c.backend.Put(ctx, c.key(key), data)
	c.logger.LogStorageOperation("put", time.Since(start), err)
	return err
}

// PutMany stores every value with the same timestamp
func (c *Cache[T]) PutMany(ctx context.Context, values map[string]T) error {
	now := c.now()
	for key, value := range values {
		if err := c.PutAt(ctx, key, value, now); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, c.key(key))
}

// Refresh runs fetch and stores its result. Concurrent refreshes of the same
// key share one fetch.
func (c *Cache[T]) Refresh(ctx context.Context, key string, fetch func(context.Context) (T, error)) (T, error) {
	v, err, shared := c.group.Do(key, func() (any, error) {
		value, err := fetch(ctx)
		if err != nil {
			return value, err
		}
		if err := c.Put(ctx, key, value); err != nil {
			c.logger.Warn("failed to persist refreshed record", "key", key, "error", err)
		}
		return value, nil
	})
	if shared {
		c.logger.Debug("singleflight: shared refresh", "key", key)
	}

	value, _ := v.(T)
	return value, err
}

// Lookup serves key with stale-while-revalidate semantics: fresh records are
// returned as-is, stale ones are returned while one background Refresh runs
// (onRevalidated receives its result), and missing or expired ones are fetched
// before returning.
func (c *Cache[T]) Lookup(ctx context.Context, key string, fetch func(context.Context) (T, error), onRevalidated func(T)) (T, Tier, error) {
	entry, ok, err := c.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, fetching", "key", key, "error", err)
	}

	if ok {
		c.logger.LogCacheOperation("lookup", key, entry.Tier.String())
		if entry.Tier == Stale {
			go func() {
				value, err := c.Refresh(ctx, key, fetch)
				if err != nil {
					c.logger.Warn("background revalidation failed", "key", key, "error", err)
					return
				}
				if onRevalidated != nil && ctx.Err() == nil {
					onRevalidated(value)
				}
			}()
		}
		return entry.Value, entry.Tier, nil
	}

	value, err := c.Refresh(ctx, key, fetch)
	return value, Expired, err
}

func (c *Cache[T]) observe(tier string) {
	c.metrics.CacheLookup(c.entity, tier)
}
