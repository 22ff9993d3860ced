package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fidde/cardinality_sketch/internal/storage/clickhouse"
	"github.com/fidde/cardinality_sketch/internal/storage/dual"
	"github.com/fidde/cardinality_sketch/internal/storage/memory"
	"github.com/fidde/cardinality_sketch/internal/storage/sqlite"
)

// Config holds storage configuration.
type Config struct {
	// Backend selects the storage backend: "memory", "sqlite", "clickhouse"
	// or "dual".
	Backend string

	// SQLite-specific config
	SQLitePath string

	// ClickHouse-specific config
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	// Shared batching for the SQL backends
	BatchSize     int
	FlushInterval time.Duration

	// Dual-write backends, used when Backend is "dual"
	Primary   string
	Secondary string
}

// DefaultConfig returns default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:            "memory",
		SQLitePath:         "./data/sketches.db",
		ClickHouseAddr:     "localhost:9000",
		ClickHouseDatabase: "default",
		ClickHouseUser:     "default",
		BatchSize:          100,
		FlushInterval:      100 * time.Millisecond,
		Primary:            "sqlite",
		Secondary:          "clickhouse",
	}
}

// NewStore creates a storage implementation based on configuration.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "memory":
		logger.Info("using in-memory storage")
		return memory.New(), nil

	case "sqlite":
		logger.Info("using SQLite storage", "path", cfg.SQLitePath)
		store, err := sqlite.New(sqlite.Config{
			DBPath:        cfg.SQLitePath,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("creating SQLite store: %w", err)
		}
		return store, nil

	case "clickhouse":
		logger.Info("using ClickHouse storage", "addr", cfg.ClickHouseAddr)

		chCfg := clickhouse.DefaultConfig()
		chCfg.Addr = cfg.ClickHouseAddr
		chCfg.Database = cfg.ClickHouseDatabase
		chCfg.Username = cfg.ClickHouseUser
		chCfg.Password = cfg.ClickHousePassword
		chCfg.BatchSize = cfg.BatchSize
		if cfg.FlushInterval > 0 {
			chCfg.FlushInterval = cfg.FlushInterval
		}

		store, err := clickhouse.NewStore(ctx, chCfg, logger.With("backend", "clickhouse"))
		if err != nil {
			return nil, fmt.Errorf("creating ClickHouse store: %w", err)
		}
		return store, nil

	case "dual":
		if cfg.Primary == "dual" || cfg.Secondary == "dual" {
			return nil, fmt.Errorf("dual backend cannot nest another dual backend")
		}
		logger.Info("using dual-write storage", "primary", cfg.Primary, "secondary", cfg.Secondary)

		primaryCfg := cfg
		primaryCfg.Backend = cfg.Primary
		primary, err := NewStore(ctx, primaryCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("creating primary store: %w", err)
		}

		secondaryCfg := cfg
		secondaryCfg.Backend = cfg.Secondary
		secondary, err := NewStore(ctx, secondaryCfg, logger)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("creating secondary store: %w", err)
		}

		return dual.New(dual.Config{Primary: primary, Secondary: secondary, Logger: logger}), nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: memory, sqlite, clickhouse, dual)", cfg.Backend)
	}
}
