package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fidde/cardinality_sketch/internal/config"
	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, config.DefaultAPIAddr, cfg.Server.APIAddr)
	assert.Equal(t, "plusplus", cfg.Sketch.Variant)
	assert.Equal(t, uint8(config.DefaultPrecision), cfg.Sketch.Precision)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, time.Minute, cfg.Storage.SnapshotInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "sketchd.yaml", `
server:
  api_addr: 127.0.0.1:9090
sketch:
  variant: classic
  precision: 12
  hash: sha1
storage:
  backend: sqlite
  snapshot_interval: 30s
log:
  level: debug
  format: json
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.APIAddr)
	assert.Equal(t, config.DefaultOTLPGRPCAddr, cfg.Server.OTLPGRPCAddr)
	assert.Equal(t, "classic", cfg.Sketch.Variant)
	assert.Equal(t, uint8(12), cfg.Sketch.Precision)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Storage.SnapshotInterval)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "sketchd.yaml", "storage:\n  backend: sqlite\n")
	t.Setenv("SKETCHD_STORAGE_BACKEND", "memory")
	t.Setenv("SKETCHD_SKETCH_PRECISION", "10")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, uint8(10), cfg.Sketch.Precision)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"precision too high for classic", "sketch:\n  variant: classic\n  precision: 18\n", hyperloglog.ErrInvalidPrecision},
		{"unknown backend", "storage:\n  backend: postgres\n", config.ErrInvalidBackend},
		{"dual with itself", "storage:\n  backend: dual\n  primary: sqlite\n  secondary: sqlite\n", config.ErrInvalidDualBackends},
		{"negative interval", "storage:\n  snapshot_interval: -1s\n", config.ErrInvalidSnapshotInterval},
		{"bad level", "log:\n  level: loud\n", config.ErrInvalidLogLevel},
		{"bad format", "log:\n  format: xml\n", config.ErrInvalidLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeFile(t, "sketchd.yaml", tt.content))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadSeeds(t *testing.T) {
	path := writeFile(t, "seeds.yaml", `
sketches:
  - name: metrics.http_requests_total.user_id
    variant: plusplus
    precision: 16
    description: high cardinality label
  - name: logs.audit.actor
    variant: classic
    precision: 10
    hash: sha1
`)

	seeds, err := config.LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, uint8(16), seeds[0].Precision)
	assert.Equal(t, "high cardinality label", seeds[0].Description)
	assert.Equal(t, "sha1", seeds[1].Hash)
}

func TestLoadSeeds_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"bad name", "sketches:\n  - name: has space\n", models.ErrInvalidName},
		{"duplicate", "sketches:\n  - name: a\n  - name: a\n", models.ErrAlreadyExists},
		{"bad precision", "sketches:\n  - name: a\n    precision: 2\n", hyperloglog.ErrInvalidPrecision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadSeeds(writeFile(t, "seeds.yaml", tt.content))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := config.LoadSeeds(writeFile(t, "seeds.yaml", "sketches: [\n"))
	assert.Error(t, err)
}

func TestRender_RoundTripsThroughYAML(t *testing.T) {
	cfg := config.Default()

	out, err := config.Render(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "api_addr:")
	assert.Contains(t, string(out), "0.0.0.0:8080")

	var back config.Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Sketch, back.Sketch)
	assert.Equal(t, cfg.Storage.SnapshotInterval, back.Storage.SnapshotInterval)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := config.NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "sketch", "metrics.up")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"sketch":"metrics.up"`)
}
