package cache

import (
	"context"
	"log/slog"
	"time"

	"booklib/internal/catalog"
)

// Gateway decorates a catalog.Gateway with read-through caching of ranked
// search answers and the category list. Any write invalidates the cache.
// Cache failures are logged and never fail the call.
type Gateway struct {
	catalog.Gateway
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

// WrapGateway returns gw with caching in front of its read-mostly calls.
func WrapGateway(gw catalog.Gateway, c Cache, ttl time.Duration, log *slog.Logger) *Gateway {
	return &Gateway{Gateway: gw, cache: c, ttl: ttl, log: log}
}

func (g *Gateway) SemanticSearch(ctx context.Context, query string) ([]catalog.Document, error) {
	key := GenerateCacheKey("search", query)
	if cached, err := g.cache.GetSearchResult(ctx, key); err != nil {
		g.log.Warn("cache read failed", "key", key, "err", err)
	} else if cached != nil {
		g.log.Debug("cache hit", "query", query)
		return cached.Documents, nil
	}

	docs, err := g.Gateway.SemanticSearch(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := g.cache.SetSearchResult(ctx, key, &SearchResult{Documents: docs, StoredAt: time.Now()}, g.ttl); err != nil {
		g.log.Warn("failed to cache search result", "err", err)
	}
	return docs, nil
}

func (g *Gateway) Categories(ctx context.Context) ([]string, error) {
	key := GenerateCacheKey("categories")
	if cached, err := g.cache.GetSearchResult(ctx, key); err != nil {
		g.log.Warn("cache read failed", "key", key, "err", err)
	} else if cached != nil {
		return cached.Categories, nil
	}

	cats, err := g.Gateway.Categories(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.cache.SetSearchResult(ctx, key, &SearchResult{Categories: cats, StoredAt: time.Now()}, g.ttl); err != nil {
		g.log.Warn("failed to cache categories", "err", err)
	}
	return cats, nil
}

func (g *Gateway) BuildIndex(ctx context.Context, id catalog.DocumentID, force bool) error {
	if err := g.Gateway.BuildIndex(ctx, id, force); err != nil {
		return err
	}
	g.invalidate(ctx)
	return nil
}

func (g *Gateway) DeleteDocument(ctx context.Context, id catalog.DocumentID) error {
	if err := g.Gateway.DeleteDocument(ctx, id); err != nil {
		return err
	}
	g.invalidate(ctx)
	return nil
}

func (g *Gateway) UpdateDocument(ctx context.Context, id catalog.DocumentID, fields catalog.UpdateFields) (catalog.Document, error) {
	doc, err := g.Gateway.UpdateDocument(ctx, id, fields)
	if err != nil {
		return catalog.Document{}, err
	}
	g.invalidate(ctx)
	return doc, nil
}

func (g *Gateway) ConvertDocument(ctx context.Context, id catalog.DocumentID) (catalog.Document, error) {
	doc, err := g.Gateway.ConvertDocument(ctx, id)
	if err != nil {
		return catalog.Document{}, err
	}
	g.invalidate(ctx)
	return doc, nil
}

func (g *Gateway) ReindexCategory(ctx context.Context, category string, force bool) (catalog.ReindexReport, error) {
	rep, err := g.Gateway.ReindexCategory(ctx, category, force)
	if err != nil {
		return catalog.ReindexReport{}, err
	}
	g.invalidate(ctx)
	return rep, nil
}

func (g *Gateway) ReindexAll(ctx context.Context, force bool) (catalog.ReindexReport, error) {
	rep, err := g.Gateway.ReindexAll(ctx, force)
	if err != nil {
		return catalog.ReindexReport{}, err
	}
	g.invalidate(ctx)
	return rep, nil
}

func (g *Gateway) DeleteCategory(ctx context.Context, category string) error {
	if err := g.Gateway.DeleteCategory(ctx, category); err != nil {
		return err
	}
	g.invalidate(ctx)
	return nil
}

func (g *Gateway) invalidate(ctx context.Context) {
	if err := g.cache.Invalidate(ctx); err != nil {
		g.log.Warn("failed to invalidate cache", "err", err)
	}
}
