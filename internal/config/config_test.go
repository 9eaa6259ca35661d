package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/errors"
)

// isolate points the config file lookup at an empty temp dir
func isolate(t *testing.T) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.json")
	t.Setenv(EnvPrefix+"CONFIG", configPath)

	return configPath
}

func TestLoadConfigDefaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "duckdb", cfg.Database.Driver)
	assert.Equal(t, "~/.config/sqlcontext/metadata.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Database.MaxConnections)
	assert.Equal(t, "table_descriptions", cfg.VectorStore.Collection)
	assert.Equal(t, "file", cfg.Graph.Backend)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.3, cfg.Retrieval.MinRerankerScore, 1e-9)
	assert.Equal(t, "any", cfg.Retrieval.PolicyMode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	configPath := isolate(t)

	fileConfig := map[string]interface{}{
		"database": map[string]interface{}{
			"path":            "/custom/metadata.db",
			"max_connections": 20,
		},
		"retrieval": map[string]interface{}{
			"top_k":       25,
			"policy_mode": "all",
		},
		"logging": map[string]interface{}{
			"level":  "debug",
			"format": "json",
		},
	}

	data, err := json.MarshalIndent(fileConfig, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0600))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/custom/metadata.db", cfg.Database.Path)
	assert.Equal(t, 20, cfg.Database.MaxConnections)
	assert.Equal(t, 25, cfg.Retrieval.TopK)
	assert.Equal(t, "all", cfg.Retrieval.PolicyMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	// untouched sections keep their defaults
	assert.Equal(t, "30s", cfg.Database.QueryTimeout)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
}

func TestLoadConfigFromFileInvalidJSON(t *testing.T) {
	configPath := isolate(t)
	require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0600))

	_, err := LoadConfig()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	configPath := isolate(t)

	data := []byte(`{"retrieval": {"top_k": 25}, "logging": {"level": "debug"}}`)
	require.NoError(t, os.WriteFile(configPath, data, 0600))

	t.Setenv("SQLCONTEXT_RETRIEVAL_TOP_K", "7")
	t.Setenv("SQLCONTEXT_GRAPH_PATH", "/tmp/graph.json")
	t.Setenv("SQLCONTEXT_LLM_FALLBACK_PROVIDERS", "anthropic,google")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retrieval.TopK)
	assert.Equal(t, "debug", cfg.Logging.Level, "file value survives when env is unset")
	assert.Equal(t, "/tmp/graph.json", cfg.Graph.Path)
	assert.Equal(t, []string{"anthropic", "google"}, cfg.LLM.FallbackProviders)
}

func TestLoadConfigWithOverrides(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfigWithOverrides(map[string]interface{}{
		"db-path":    "/override/metadata.db",
		"graph-path": "/override/graph.json",
		"log-level":  "warn",
		"top-k":      3,
	})
	require.NoError(t, err)

	assert.Equal(t, "/override/metadata.db", cfg.Database.Path)
	assert.Equal(t, "/override/graph.json", cfg.Graph.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
}

func TestValidate(t *testing.T) {
	isolate(t)

	base, err := LoadConfig()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{
			name:   "invalid log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			field:  "logging.level",
		},
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Database.Driver = "oracle" },
			field:  "database.driver",
		},
		{
			name:   "pgx without dsn",
			mutate: func(c *Config) { c.Database.Driver = "pgx" },
			field:  "database.dsn",
		},
		{
			name:   "s3 without bucket",
			mutate: func(c *Config) { c.Graph.Backend = "s3"; c.Graph.Endpoint = "localhost:9000" },
			field:  "graph.s3",
		},
		{
			name:   "remote embedding without key",
			mutate: func(c *Config) { c.Embedding.Provider = "remote" },
			field:  "embedding.api_key",
		},
		{
			name:   "zero top k",
			mutate: func(c *Config) { c.Retrieval.TopK = 0 },
			field:  "retrieval.top_k",
		},
		{
			name:   "bad timeout",
			mutate: func(c *Config) { c.Retrieval.RequestTimeout = "soon" },
			field:  "retrieval.request_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, base.Validate())
	})
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, Duration("2s", time.Minute))
	assert.Equal(t, time.Minute, Duration("nope", time.Minute))
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		input    string
		expected string
	}{
		{"~", homeDir},
		{"~/data/metadata.db", filepath.Join(homeDir, "data", "metadata.db")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~user/path", "~user/path"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandPath(tt.input))
		})
	}
}

func TestSaveConfig(t *testing.T) {
	configPath := isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Retrieval.TopK = 42
	cfg.LLM.APIKey = "secret"
	require.NoError(t, SaveConfig(cfg))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Retrieval.TopK)
}

func TestEnsureDirectories(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	root := t.TempDir()
	cfg.Database.Path = filepath.Join(root, "db", "metadata.db")
	cfg.VectorStore.Path = filepath.Join(root, "vectors", "vectors.db")
	cfg.Graph.Path = filepath.Join(root, "graph", "relations.json")
	cfg.Cache.Directory = filepath.Join(root, "cache")

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{"db", "vectors", "graph", "cache"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
