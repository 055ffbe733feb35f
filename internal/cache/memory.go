package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache keeps results in process memory. Suitable for a single
// client instance; entries expire after their TTL.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache creates an in-process cache whose expired entries are
// purged every cleanup interval.
func NewMemoryCache(defaultTTL, cleanup time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(defaultTTL, cleanup)}
}

func (m *MemoryCache) GetSearchResult(ctx context.Context, key string) (*SearchResult, error) {
	if x, found := m.c.Get(key); found {
		res := *x.(*SearchResult)
		return &res, nil
	}
	return nil, nil
}

func (m *MemoryCache) SetSearchResult(ctx context.Context, key string, result *SearchResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	stored := *result
	m.c.Set(key, &stored, ttl)
	return nil
}

func (m *MemoryCache) Invalidate(ctx context.Context) error {
	m.c.Flush()
	return nil
}

func (m *MemoryCache) Close() error {
	m.c.Flush()
	return nil
}
