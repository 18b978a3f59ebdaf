package regioncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xpucat/xpucat/pkg/storage"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	mem, err := storage.NewInMemoryTTLCache[any]()
	require.NoError(t, err)
	c := New(mem)
	t.Cleanup(c.Stop)
	return c
}

func TestGetOrFetchPopulatesOnMiss(t *testing.T) {
	c := newTestCache(t)

	fetches := 0
	fetch := func(context.Context) (any, error) {
		fetches++
		return "payload", nil
	}

	value, err := c.GetOrFetch(context.Background(), "region:abc", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, "payload", value)
	require.Equal(t, 1, fetches)

	// Second read is a hit.
	value, err = c.GetOrFetch(context.Background(), "region:abc", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, "payload", value)
	require.Equal(t, 1, fetches)
}

func TestGetOrFetchDoesNotCacheErrors(t *testing.T) {
	c := newTestCache(t)

	boom := errors.New("catalog down")
	calls := 0
	_, err := c.GetOrFetch(context.Background(), "region:abc", time.Minute, func(context.Context) (any, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	value, err := c.GetOrFetch(context.Background(), "region:abc", time.Minute, func(context.Context) (any, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", value)
	require.Equal(t, 2, calls)
}

func TestGetOrFetchCollapsesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)

	var fetches atomic.Int64
	fetch := func(context.Context) (any, error) {
		fetches.Add(1)
		time.Sleep(100 * time.Millisecond)
		return "shared", nil
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), "scope:kailua:2.1", time.Minute, fetch)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, fetches.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "shared", results[i])
	}
}

func TestMarkers(t *testing.T) {
	c := newTestCache(t)

	key := storage.GetScopeMarkerCacheKey("KAILUA", "2.1")
	require.False(t, c.HasMarker(key))

	c.SetMarker(key, time.Minute)
	require.True(t, c.HasMarker(key))

	c.Evict(key)
	require.False(t, c.HasMarker(key))
}

func TestMarkerExpires(t *testing.T) {
	c := newTestCache(t)

	key := storage.GetScopeMarkerCacheKey("KAILUA", "2.1")
	c.SetMarker(key, 20*time.Millisecond)
	require.True(t, c.HasMarker(key))

	require.Eventually(t, func() bool {
		return !c.HasMarker(key)
	}, time.Second, 10*time.Millisecond)
}

func TestEvictRemovesPayloadEntry(t *testing.T) {
	c := newTestCache(t)

	key := storage.GetRegionPayloadCacheKey("record-1")
	_, err := c.GetOrFetch(context.Background(), key, time.Minute, func(context.Context) (any, error) {
		return "v1", nil
	})
	require.NoError(t, err)

	c.Evict(key)

	value, err := c.GetOrFetch(context.Background(), key, time.Minute, func(context.Context) (any, error) {
		return "v2", nil
	})
	require.NoError(t, err)
	require.Equal(t, "v2", value)
}
