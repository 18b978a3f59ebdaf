// Package regioncache is the layered read accelerator in front of the
// authoritative store and the external catalog service. It owns entry
// lifecycle exclusively: the store is never invalidated by cache expiry.
package regioncache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/xpucat/xpucat/internal/build"
	"github.com/xpucat/xpucat/pkg/storage"
)

var (
	cacheHitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "region_cache_hit_count",
		Help:      "The total number of region cache hits.",
	}, []string{"outcome"})

	sharedFetchCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "region_cache_deduplicated_fetch_count",
		Help:      "The total number of fetches collapsed by singleflight.",
	})
)

const (
	// DefaultMarkerTTL bounds how long an ingested scope is trusted before
	// the next resolution re-checks the catalog service.
	DefaultMarkerTTL = time.Hour

	// DefaultEntryTTL applies to payload and alias entries.
	DefaultEntryTTL = 24 * time.Hour
)

// markerSentinel is the stored value for existence markers; only presence
// matters.
type markerSentinel struct{}

// Cache wraps the in-memory TTL cache with existence markers and a
// singleflight fetch-on-miss path.
type Cache struct {
	mem storage.InMemoryCache[any]
	sf  singleflight.Group
}

// New creates a [Cache] over the given in-memory cache.
func New(mem storage.InMemoryCache[any]) *Cache {
	return &Cache{mem: mem}
}

// HasMarker reports whether the existence marker for key is present.
func (c *Cache) HasMarker(key string) bool {
	_, ok := c.mem.Get(key)
	return ok
}

// SetMarker records that the keyed scope has been ingested.
func (c *Cache) SetMarker(key string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	c.mem.Set(key, markerSentinel{}, ttl)
}

// Evict drops one entry. Used by the supersession engine to remove a
// superseded region's payload.
func (c *Cache) Evict(key string) {
	c.mem.Delete(key)
}

// GetOrFetch returns the cached value for key, or runs fetch and populates
// the cache on a miss. Concurrent misses for the same key collapse to one
// fetch; every waiter receives the same result or the same error.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (any, error) {
	if value, ok := c.mem.Get(key); ok {
		cacheHitCounter.WithLabelValues("hit").Inc()
		return value, nil
	}
	cacheHitCounter.WithLabelValues("miss").Inc()

	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}

	value, err, shared := c.sf.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have populated the
		// entry between our miss and the flight starting.
		if value, ok := c.mem.Get(key); ok {
			return value, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mem.Set(key, value, ttl)
		return value, nil
	})
	if shared {
		sharedFetchCounter.Inc()
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Stop releases the underlying cache resources.
func (c *Cache) Stop() {
	c.mem.Stop()
}
