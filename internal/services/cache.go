package services

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultCacheTTL is how long upstream answers are reused
const DefaultCacheTTL = 60 * time.Second

// ttlCache holds upstream responses for a fixed duration
type ttlCache[V any] struct {
	cache *ristretto.Cache[string, V]
	ttl   time.Duration
}

func newTTLCache[V any](ttl time.Duration) (*ttlCache[V], error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &ttlCache[V]{cache: cache, ttl: ttl}, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	return c.cache.Get(key)
}

// Set stores value and waits until it is visible to Get
func (c *ttlCache[V]) Set(key string, value V) {
	c.cache.SetWithTTL(key, value, 1, c.ttl)
	c.cache.Wait()
}

func (c *ttlCache[V]) Close() {
	c.cache.Close()
}
