// Package cache provides a small read-through LRU with bounded staleness used
// for the branch hierarchy and the permission catalog.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL         = 5 * time.Second
	DefaultMaxEntries  = 1024
	DefaultLoadTimeout = 10 * time.Second
)

// Config holds cache configuration
type Config struct {
	Name       string        // label used for metrics
	TTL        time.Duration // max staleness of an entry
	MaxEntries int
	// LoadTimeout bounds a shared load. The load outlives the caller that
	// started it so callers waiting on the same key are not cancelled with it.
	LoadTimeout time.Duration
}

// DefaultConfig returns default cache configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:       name,
		TTL:         DefaultTTL,
		MaxEntries:  DefaultMaxEntries,
		LoadTimeout: DefaultLoadTimeout,
	}
}

// Stats represents cache statistics
type Stats struct {
	Hits      int64
	Misses    int64
	HitRate   float64
	ItemCount int64
}

// Recorder receives hit/miss notifications, normally backed by Prometheus counters
type Recorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// LoadFunc loads the value for a key on a cache miss
type LoadFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// ReadThrough is an expiring LRU that fills itself through a loader.
// Concurrent misses for the same key share a single load.
type ReadThrough[K comparable, V any] struct {
	config   *Config
	cache    *lru.LRU[K, V]
	load     LoadFunc[K, V]
	group    singleflight.Group
	recorder Recorder

	hits   atomic.Int64
	misses atomic.Int64
	// generation is bumped on every purge so loads started before a purge
	// never repopulate the cache with stale data
	generation atomic.Uint64
}

// NewReadThrough creates a read-through cache
func NewReadThrough[K comparable, V any](config *Config, load LoadFunc[K, V]) *ReadThrough[K, V] {
	if config == nil {
		config = DefaultConfig("default")
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = DefaultLoadTimeout
	}

	return &ReadThrough[K, V]{
		config: config,
		cache:  lru.NewLRU[K, V](config.MaxEntries, nil, config.TTL),
		load:   load,
	}
}

// WithRecorder attaches a hit/miss recorder
func (c *ReadThrough[K, V]) WithRecorder(r Recorder) *ReadThrough[K, V] {
	c.recorder = r
	return c
}

// Get returns the cached value for key, loading it on a miss
func (c *ReadThrough[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		if c.recorder != nil {
			c.recorder.RecordCacheHit(c.config.Name)
		}
		return v, nil
	}

	c.misses.Add(1)
	if c.recorder != nil {
		c.recorder.RecordCacheMiss(c.config.Name)
	}

	gen := c.generation.Load()
	ch := c.group.DoChan(fmt.Sprint(key), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.LoadTimeout)
		defer cancel()

		v, err := c.load(loadCtx, key)
		if err != nil {
			return v, err
		}
		if c.generation.Load() == gen {
			c.cache.Add(key, v)
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Remove drops a single key
func (c *ReadThrough[K, V]) Remove(key K) {
	c.generation.Add(1)
	c.cache.Remove(key)
}

// Purge drops every entry
func (c *ReadThrough[K, V]) Purge() {
	c.generation.Add(1)
	c.cache.Purge()
}

// Stats returns cache statistics
func (c *ReadThrough[K, V]) Stats() Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: int64(c.cache.Len()),
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	return stats
}
