package storage

import (
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
)

const defaultMaxCacheSize = 10000

// InMemoryCache is a general purpose TTL cache to store things in memory.
type InMemoryCache[T any] interface {

	// Get returns the value for the key, or the zero value if the key is
	// absent or expired.
	Get(key string) (T, bool)
	Set(key string, value T, ttl time.Duration)
	Delete(key string)

	// Stop cleans resources.
	Stop()
}

// InMemoryTTLCache is a theine-backed implementation of [InMemoryCache].
type InMemoryTTLCache[T any] struct {
	client      *theine.Cache[string, T]
	maxElements int64
	closeOnce   *sync.Once
}

type InMemoryTTLCacheOpt[T any] func(c *InMemoryTTLCache[T])

func WithMaxCacheSize[T any](maxElements int64) InMemoryTTLCacheOpt[T] {
	return func(c *InMemoryTTLCache[T]) {
		c.maxElements = maxElements
	}
}

var _ InMemoryCache[any] = (*InMemoryTTLCache[any])(nil)

func NewInMemoryTTLCache[T any](opts ...InMemoryTTLCacheOpt[T]) (*InMemoryTTLCache[T], error) {
	c := &InMemoryTTLCache[T]{
		maxElements: defaultMaxCacheSize,
		closeOnce:   &sync.Once{},
	}

	for _, opt := range opts {
		opt(c)
	}

	client, err := theine.NewBuilder[string, T](c.maxElements).Build()
	if err != nil {
		return nil, err
	}
	c.client = client

	return c, nil
}

func (c *InMemoryTTLCache[T]) Get(key string) (T, bool) {
	return c.client.Get(key)
}

func (c *InMemoryTTLCache[T]) Set(key string, value T, ttl time.Duration) {
	c.client.SetWithTTL(key, value, 1, ttl)
}

func (c *InMemoryTTLCache[T]) Delete(key string) {
	c.client.Delete(key)
}

func (c *InMemoryTTLCache[T]) Stop() {
	c.closeOnce.Do(func() {
		c.client.Close()
	})
}
