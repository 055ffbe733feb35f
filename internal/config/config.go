package config

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration for the librarian bridge.
type Config struct {
	// Bridge server
	Port     int    `env:"PORT" envDefault:"8090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Library backend
	LibraryAPIURL     string        `env:"LIBRARY_API_URL" envDefault:"http://localhost:8000"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND" envDefault:"10"` // 0 disables client-side limiting

	// Catalog browsing
	PageSize       int           `env:"PAGE_SIZE" envDefault:"20"`
	SearchDebounce time.Duration `env:"SEARCH_DEBOUNCE" envDefault:"300ms"`

	// Cache
	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"memory"` // "memory", "redis" or "none"
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	// Events
	EventsProvider string `env:"EVENTS_PROVIDER" envDefault:"memory"` // "memory", "nats" or "none"
	NATSURL        string `env:"NATS_URL"`

	// Conversation archive
	ArchiveProvider string `env:"ARCHIVE_PROVIDER" envDefault:"none"` // "none" or "postgres"
	DBURL           string `env:"DB_URL"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
