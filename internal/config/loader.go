package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = "sketchd"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for sketchd settings.
const envPrefix = "SKETCHD"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Defaults.
const (
	DefaultAPIAddr          = "0.0.0.0:8080"
	DefaultOTLPHTTPAddr     = "0.0.0.0:4318"
	DefaultOTLPGRPCAddr     = "0.0.0.0:4317"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultVariant          = "plusplus"
	DefaultPrecision        = 14
	DefaultMaxSketches      = 100000
	DefaultBackend          = "memory"
	DefaultSQLitePath       = "./data/sketches.db"
	DefaultClickHouseAddr   = "localhost:9000"
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 100 * time.Millisecond
	DefaultSnapshotInterval = time.Minute
	DefaultSessionDir       = "./data/sessions"
	DefaultSessionMaxSize   = 100 * 1024 * 1024
	DefaultMaxSessions      = 50
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, sketchd.yaml is searched in CWD and /etc/sketchd.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("/etc/sketchd")
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	return decode(viperCfg)
}

// Default returns the built-in defaults, ignoring files and environment.
func Default() *Config {
	viperCfg := viper.New()
	applyDefaults(viperCfg)

	cfg, err := decode(viperCfg)
	if err != nil {
		panic(err) // built-in defaults always validate
	}
	return cfg
}

func decode(viperCfg *viper.Viper) (*Config, error) {
	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.api_addr", DefaultAPIAddr)
	viperCfg.SetDefault("server.otlp_http_addr", DefaultOTLPHTTPAddr)
	viperCfg.SetDefault("server.otlp_grpc_addr", DefaultOTLPGRPCAddr)
	viperCfg.SetDefault("server.pprof_addr", "")
	viperCfg.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	viperCfg.SetDefault("sketch.variant", DefaultVariant)
	viperCfg.SetDefault("sketch.precision", DefaultPrecision)
	viperCfg.SetDefault("sketch.hash", "")
	viperCfg.SetDefault("sketch.max_sketches", DefaultMaxSketches)
	viperCfg.SetDefault("sketch.seed_file", "")

	viperCfg.SetDefault("storage.backend", DefaultBackend)
	viperCfg.SetDefault("storage.sqlite_path", DefaultSQLitePath)
	viperCfg.SetDefault("storage.clickhouse.addr", DefaultClickHouseAddr)
	viperCfg.SetDefault("storage.clickhouse.database", "default")
	viperCfg.SetDefault("storage.clickhouse.user", "default")
	viperCfg.SetDefault("storage.clickhouse.password", "")
	viperCfg.SetDefault("storage.primary", "sqlite")
	viperCfg.SetDefault("storage.secondary", "clickhouse")
	viperCfg.SetDefault("storage.batch_size", DefaultBatchSize)
	viperCfg.SetDefault("storage.flush_interval", DefaultFlushInterval)
	viperCfg.SetDefault("storage.snapshot_interval", DefaultSnapshotInterval)
	viperCfg.SetDefault("storage.restore_on_start", true)

	viperCfg.SetDefault("sessions.dir", DefaultSessionDir)
	viperCfg.SetDefault("sessions.max_size", DefaultSessionMaxSize)
	viperCfg.SetDefault("sessions.max_sessions", DefaultMaxSessions)

	viperCfg.SetDefault("log.level", DefaultLogLevel)
	viperCfg.SetDefault("log.format", DefaultLogFormat)
}
