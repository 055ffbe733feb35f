package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"booklib/internal/catalog"
)

// Cache stores ranked search answers and other read-mostly catalog lookups.
type Cache interface {
	// GetSearchResult retrieves a cached result by key.
	// Returns nil if not found.
	GetSearchResult(ctx context.Context, key string) (*SearchResult, error)

	// SetSearchResult stores a result with TTL
	SetSearchResult(ctx context.Context, key string, result *SearchResult, ttl time.Duration) error

	// Invalidate drops every cached entry. Called after any catalog write.
	Invalidate(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// SearchResult is a cached catalog answer.
type SearchResult struct {
	Documents  []catalog.Document `json:"documents,omitempty"`
	Categories []string           `json:"categories,omitempty"`
	StoredAt   time.Time          `json:"stored_at"`
}

// GenerateCacheKey builds a stable key from a kind and its arguments.
// Arguments are case-folded and trimmed so "Dune " and "dune" share a key.
func GenerateCacheKey(kind string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
		h.Write([]byte{0})
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}
