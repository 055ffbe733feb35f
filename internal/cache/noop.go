package cache

import (
	"context"
	"time"
)

// NoOpCache never stores anything; every lookup misses. Used with
// CACHE_PROVIDER=none.
type NoOpCache struct{}

var _ Cache = (*NoOpCache)(nil)

func NewNoOpCache() *NoOpCache { return &NoOpCache{} }

func (*NoOpCache) GetSearchResult(context.Context, string) (*SearchResult, error) { return nil, nil }

func (*NoOpCache) SetSearchResult(context.Context, string, *SearchResult, time.Duration) error {
	return nil
}

func (*NoOpCache) Invalidate(context.Context) error { return nil }

func (*NoOpCache) Close() error { return nil }
