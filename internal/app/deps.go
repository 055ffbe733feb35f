package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"booklib/internal/archive"
	"booklib/internal/cache"
	"booklib/internal/catalog"
	"booklib/internal/config"
	"booklib/internal/events"
	"booklib/internal/logger"
)

// Deps bundles the shared runtime dependencies of the bridge.
type Deps struct {
	Config  config.Config
	Log     *slog.Logger
	Gateway catalog.Gateway
	Cache   cache.Cache
	Bus     events.Bus
	Archive archive.Store
}

// Build loads env, config, and shared components. A missing .env file is
// not an error.
func Build(ctx context.Context) (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	return BuildWith(ctx, cfg, log)
}

// BuildWith wires components from an explicit config.
func BuildWith(ctx context.Context, cfg config.Config, log *slog.Logger) (Deps, error) {
	c, err := buildCache(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize cache: %w", err)
	}
	gw, err := buildGateway(cfg, c, log)
	if err != nil {
		_ = c.Close()
		return Deps{}, fmt.Errorf("failed to initialize gateway: %w", err)
	}
	bus, err := buildBus(cfg, log)
	if err != nil {
		_ = c.Close()
		return Deps{}, fmt.Errorf("failed to initialize events: %w", err)
	}
	st, err := buildArchive(ctx, cfg, log)
	if err != nil {
		_ = c.Close()
		_ = bus.Close()
		return Deps{}, fmt.Errorf("failed to initialize archive: %w", err)
	}
	return Deps{
		Config:  cfg,
		Log:     log,
		Gateway: gw,
		Cache:   c,
		Bus:     bus,
		Archive: st,
	}, nil
}

// Close releases every connection held by d.
func (d Deps) Close() error {
	return errors.Join(d.Bus.Close(), d.Cache.Close(), d.Archive.Close())
}

func buildGateway(cfg config.Config, c cache.Cache, log *slog.Logger) (catalog.Gateway, error) {
	gw, err := catalog.NewHTTPGateway(log, cfg.LibraryAPIURL, cfg.HTTPTimeout, cfg.RequestsPerSecond)
	if err != nil {
		return nil, err
	}
	log.Info("using library backend", "url", cfg.LibraryAPIURL, "timeout", cfg.HTTPTimeout)
	return cache.WrapGateway(gw, c, cfg.CacheTTL, log), nil
}

func buildCache(cfg config.Config, log *slog.Logger) (cache.Cache, error) {
	switch cfg.CacheProvider {
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when CACHE_PROVIDER=redis")
		}
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info("using Redis cache", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
		return rc, nil
	case "memory", "":
		log.Info("using in-memory cache", "ttl", cfg.CacheTTL)
		return cache.NewMemoryCache(cfg.CacheTTL, 2*cfg.CacheTTL), nil
	case "none":
		log.Info("search cache disabled")
		return cache.NewNoOpCache(), nil
	default:
		return nil, fmt.Errorf("invalid CACHE_PROVIDER: %s (valid options: memory, redis, none)", cfg.CacheProvider)
	}
}

func buildBus(cfg config.Config, log *slog.Logger) (events.Bus, error) {
	switch cfg.EventsProvider {
	case "nats":
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("NATS_URL is required when EVENTS_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("librarian"), nats.ReconnectWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info("using NATS event bus")
		return events.NewNATS(log, nc), nil
	case "memory", "":
		log.Info("using in-process event bus")
		return events.NewLocal(log), nil
	case "none":
		return events.NewNoOp(), nil
	default:
		return nil, fmt.Errorf("invalid EVENTS_PROVIDER: %s (valid options: memory, nats, none)", cfg.EventsProvider)
	}
}

func buildArchive(ctx context.Context, cfg config.Config, log *slog.Logger) (archive.Store, error) {
	switch cfg.ArchiveProvider {
	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when ARCHIVE_PROVIDER=postgres")
		}
		db, err := archive.NewPostgres(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		log.Info("using Postgres conversation archive")
		return db, nil
	case "none", "":
		return archive.NewNoOp(), nil
	default:
		return nil, fmt.Errorf("invalid ARCHIVE_PROVIDER: %s (valid options: none, postgres)", cfg.ArchiveProvider)
	}
}
