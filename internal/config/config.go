// Package config loads the sketch service configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Config is the top-level configuration struct for sketchd.
// Field tags use mapstructure for viper unmarshalling and yaml for rendering.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Sketch   SketchConfig   `mapstructure:"sketch" yaml:"sketch"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	APIAddr         string        `mapstructure:"api_addr" yaml:"api_addr"`
	OTLPHTTPAddr    string        `mapstructure:"otlp_http_addr" yaml:"otlp_http_addr"`
	OTLPGRPCAddr    string        `mapstructure:"otlp_grpc_addr" yaml:"otlp_grpc_addr"`
	PprofAddr       string        `mapstructure:"pprof_addr" yaml:"pprof_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SketchConfig holds the defaults for auto-created sketches.
type SketchConfig struct {
	Variant     string `mapstructure:"variant" yaml:"variant"`
	Precision   uint8  `mapstructure:"precision" yaml:"precision"`
	Hash        string `mapstructure:"hash" yaml:"hash"`
	MaxSketches int    `mapstructure:"max_sketches" yaml:"max_sketches"`
	SeedFile    string `mapstructure:"seed_file" yaml:"seed_file,omitempty"`
}

// Spec returns the default sketch spec.
func (s SketchConfig) Spec() models.SketchSpec {
	return models.SketchSpec{Variant: s.Variant, Precision: s.Precision, Hash: s.Hash}
}

// StorageConfig selects and tunes the snapshot backend.
type StorageConfig struct {
	Backend          string           `mapstructure:"backend" yaml:"backend"`
	SQLitePath       string           `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	ClickHouse       ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
	Primary          string           `mapstructure:"primary" yaml:"primary"`
	Secondary        string           `mapstructure:"secondary" yaml:"secondary"`
	BatchSize        int              `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval    time.Duration    `mapstructure:"flush_interval" yaml:"flush_interval"`
	SnapshotInterval time.Duration    `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
	RestoreOnStart   bool             `mapstructure:"restore_on_start" yaml:"restore_on_start"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// SessionsConfig holds session checkpoint settings.
type SessionsConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	MaxSize     int64  `mapstructure:"max_size" yaml:"max_size"`
	MaxSessions int    `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Sentinel errors for configuration validation.
var (
	// ErrInvalidBackend indicates an unknown storage backend.
	ErrInvalidBackend = errors.New("storage.backend must be one of memory, sqlite, clickhouse, dual")
	// ErrInvalidDualBackends indicates a dual backend with bad members.
	ErrInvalidDualBackends = errors.New("storage.primary and storage.secondary must be distinct non-dual backends")
	// ErrInvalidSnapshotInterval indicates a negative snapshot interval.
	ErrInvalidSnapshotInterval = errors.New("storage.snapshot_interval must be non-negative")
	// ErrInvalidMaxSketches indicates a negative sketch limit.
	ErrInvalidMaxSketches = errors.New("sketch.max_sketches must be non-negative")
	// ErrInvalidLogLevel indicates an unknown log level.
	ErrInvalidLogLevel = errors.New("log.level must be one of debug, info, warn, error")
	// ErrInvalidLogFormat indicates an unknown log format.
	ErrInvalidLogFormat = errors.New("log.format must be text or json")
)

var backends = map[string]bool{"memory": true, "sqlite": true, "clickhouse": true, "dual": true}

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if _, err := c.Sketch.Spec().Config(); err != nil {
		return fmt.Errorf("sketch: %w", err)
	}
	if c.Sketch.MaxSketches < 0 {
		return ErrInvalidMaxSketches
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	return nil
}

func (c *Config) validateStorage() error {
	if !backends[c.Storage.Backend] {
		return ErrInvalidBackend
	}

	if c.Storage.Backend == "dual" {
		p, s := c.Storage.Primary, c.Storage.Secondary
		if !backends[p] || !backends[s] || p == "dual" || s == "dual" || p == s {
			return ErrInvalidDualBackends
		}
	}

	if c.Storage.SnapshotInterval < 0 {
		return ErrInvalidSnapshotInterval
	}

	return nil
}
