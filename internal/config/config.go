package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kyleking/sqlcontext/internal/errors"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig
const EnvPrefix = "SQLCONTEXT_"

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig    `json:"database"     envPrefix:"DB_"`
	VectorStore VectorStoreConfig `json:"vector_store" envPrefix:"VECTOR_"`
	Graph       GraphConfig       `json:"graph"        envPrefix:"GRAPH_"`
	Embedding   EmbeddingConfig   `json:"embedding"    envPrefix:"EMBEDDING_"`
	Reranker    RerankerConfig    `json:"reranker"     envPrefix:"RERANKER_"`
	Retrieval   RetrievalConfig   `json:"retrieval"    envPrefix:"RETRIEVAL_"`
	Cache       CacheConfig       `json:"cache"        envPrefix:"CACHE_"`
	LLM         LLMConfig         `json:"llm"          envPrefix:"LLM_"`
	Logging     LoggingConfig     `json:"logging"      envPrefix:"LOG_"`
	Metrics     MetricsConfig     `json:"metrics"      envPrefix:"METRICS_"`
}

// DatabaseConfig configures the relational metadata store
type DatabaseConfig struct {
	Driver          string `json:"driver"             env:"DRIVER"             envDefault:"duckdb"` // duckdb, pgx
	Path            string `json:"path"               env:"PATH"               envDefault:"~/.config/sqlcontext/metadata.db"`
	DSN             string `json:"dsn"                env:"DSN"` // required for pgx
	MaxConnections  int    `json:"max_connections"    env:"MAX_CONNECTIONS"    envDefault:"10"`
	MaxIdleConns    int    `json:"max_idle_conns"     env:"MAX_IDLE_CONNS"     envDefault:"5"`
	ConnMaxLifetime string `json:"conn_max_lifetime"  env:"CONN_MAX_LIFETIME"  envDefault:"30m"`
	ConnMaxIdleTime string `json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME" envDefault:"5m"`
	QueryTimeout    string `json:"query_timeout"      env:"QUERY_TIMEOUT"      envDefault:"30s"`
}

// VectorStoreConfig configures the table-description embedding store
type VectorStoreConfig struct {
	Path       string `json:"path"       env:"PATH"       envDefault:"~/.config/sqlcontext/vectors.db"`
	Collection string `json:"collection" env:"COLLECTION" envDefault:"table_descriptions"`
}

// GraphConfig configures where the relationship graph snapshot lives
type GraphConfig struct {
	Backend   string `json:"backend"    env:"BACKEND"    envDefault:"file"` // file, s3
	Path      string `json:"path"       env:"PATH"       envDefault:"~/.config/sqlcontext/relations.json"`
	Endpoint  string `json:"endpoint"   env:"S3_ENDPOINT"`
	Bucket    string `json:"bucket"     env:"S3_BUCKET"`
	Key       string `json:"key"        env:"S3_KEY"     envDefault:"graph/relations.json"`
	AccessKey string `json:"-"          env:"S3_ACCESS_KEY"`
	SecretKey string `json:"-"          env:"S3_SECRET_KEY"`
	UseSSL    bool   `json:"use_ssl"    env:"S3_USE_SSL" envDefault:"true"`
	Region    string `json:"region"     env:"S3_REGION"`
}

// EmbeddingConfig selects the embedding provider used for queries and table descriptions
type EmbeddingConfig struct {
	Provider   string `json:"provider"   env:"PROVIDER"   envDefault:"hash"` // hash, remote, local
	Model      string `json:"model"      env:"MODEL"      envDefault:"text-embedding-3-small"`
	Dimensions int    `json:"dimensions" env:"DIMENSIONS" envDefault:"384"`
	BaseURL    string `json:"base_url"   env:"BASE_URL"   envDefault:"https://api.openai.com/v1"`
	APIKey     string `json:"-"          env:"API_KEY"`
	UVPath     string `json:"uv_path"    env:"UV_PATH"` // local provider; empty looks up uv in PATH
	Timeout    string `json:"timeout"    env:"TIMEOUT"    envDefault:"30s"`
}

// RerankerConfig selects the cross-encoder style reranker
type RerankerConfig struct {
	Provider string `json:"provider" env:"PROVIDER" envDefault:"embedding"` // embedding, http, local
	BaseURL  string `json:"base_url" env:"BASE_URL"`
	Model    string `json:"model"    env:"MODEL"    envDefault:"BAAI/bge-reranker-base"`
	APIKey   string `json:"-"        env:"API_KEY"`
	Timeout  string `json:"timeout"  env:"TIMEOUT"  envDefault:"30s"`
}

// RetrievalConfig holds the selection policy and request limits
type RetrievalConfig struct {
	TopK             int     `json:"top_k"              env:"TOP_K"              envDefault:"10"`
	TopN             int     `json:"top_n"              env:"TOP_N"              envDefault:"5"`
	MinRerankerScore float64 `json:"min_reranker_score" env:"MIN_RERANKER_SCORE" envDefault:"0.3"`
	MinKeywordScore  float64 `json:"min_keyword_score"  env:"MIN_KEYWORD_SCORE"  envDefault:"0"`
	MaxDistance      float64 `json:"max_distance"       env:"MAX_DISTANCE"       envDefault:"0"` // 0 disables the filter
	PolicyMode       string  `json:"policy_mode"        env:"POLICY_MODE"        envDefault:"any"` // any, all
	RequestTimeout   string  `json:"request_timeout"    env:"REQUEST_TIMEOUT"    envDefault:"60s"`
	RetryAttempts    int     `json:"retry_attempts"     env:"RETRY_ATTEMPTS"     envDefault:"3"`
	RetryBackoff     string  `json:"retry_backoff"      env:"RETRY_BACKOFF"      envDefault:"200ms"`
}

// CacheConfig represents caching configuration
type CacheConfig struct {
	Backend     string `json:"backend"           env:"BACKEND"     envDefault:"file"` // file, sqlite
	Directory   string `json:"directory"         env:"DIR"         envDefault:"~/.cache/sqlcontext"`
	MaxSizeMB   int    `json:"max_size_mb"       env:"MAX_SIZE_MB" envDefault:"500"`
	TTLHours    int    `json:"ttl_hours"         env:"TTL_HOURS"   envDefault:"720"`
	CleanupFreq string `json:"cleanup_frequency" env:"CLEANUP_FREQ" envDefault:"1h"`
}

// LLMConfig configures the text-generation service
type LLMConfig struct {
	Provider          string   `json:"provider"           env:"PROVIDER"           envDefault:"openai"`
	Model             string   `json:"model"              env:"MODEL"`
	APIKey            string   `json:"-"                  env:"API_KEY"`
	BaseURL           string   `json:"base_url"           env:"BASE_URL"`
	Timeout           string   `json:"timeout"            env:"TIMEOUT"            envDefault:"60s"`
	MaxTokens         int      `json:"max_tokens"         env:"MAX_TOKENS"         envDefault:"1024"`
	FallbackProviders []string `json:"fallback_providers" env:"FALLBACK_PROVIDERS" envSeparator:","`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level     string `json:"level"      env:"LEVEL"      envDefault:"info"`                                 // debug, info, warn, error
	Format    string `json:"format"     env:"FORMAT"     envDefault:"text"`                                 // text, json
	Output    string `json:"output"     env:"OUTPUT"     envDefault:"stderr"`                               // stdout, stderr, file
	File      string `json:"file"       env:"FILE"       envDefault:"~/.config/sqlcontext/logs/app.log"`    // log file path when output is file
	AddSource bool   `json:"add_source" env:"ADD_SOURCE" envDefault:"false"`                                // add source file and line info to logs
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED" envDefault:"false"`
	Address string `json:"address" env:"ADDRESS" envDefault:":9108"`
}

// LoadConfig loads configuration from file, environment variables, and command-line flags
func LoadConfig() (*Config, error) {
	return LoadConfigWithOverrides(nil)
}

// LoadConfigWithOverrides loads configuration with optional command-line flag overrides.
// Precedence, lowest first: struct defaults, config file, environment, flags.
func LoadConfigWithOverrides(flagOverrides map[string]interface{}) (*Config, error) {
	config := &Config{}

	// Defaults only: parse against an empty environment
	if err := env.ParseWithOptions(config, env.Options{
		Prefix:      EnvPrefix,
		Environment: map[string]string{},
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeConfig, "failed to apply configuration defaults")
	}

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		if err := loadConfigFromFile(config, configPath); err != nil {
			return nil, errors.Wrap(err, errors.ErrTypeConfig, "failed to load config file")
		}
	}

	// Environment overrides without re-applying defaults over file values
	if err := env.ParseWithOptions(config, env.Options{
		Prefix:              EnvPrefix,
		DefaultValueTagName: "envFileDefault",
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeConfig, "failed to parse environment variables")
	}

	if flagOverrides != nil {
		applyFlagOverrides(config, flagOverrides)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadConfigFromFile loads configuration from a JSON file
func loadConfigFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	mergeConfigs(config, &fileConfig)

	return nil
}

// applyFlagOverrides applies command-line flag overrides to configuration
func applyFlagOverrides(config *Config, overrides map[string]interface{}) {
	for key, value := range overrides {
		switch key {
		case "db-path":
			if str, ok := value.(string); ok && str != "" {
				config.Database.Path = str
			}
		case "graph-path":
			if str, ok := value.(string); ok && str != "" {
				config.Graph.Path = str
			}
		case "log-level":
			if str, ok := value.(string); ok && str != "" {
				config.Logging.Level = str
			}
		case "cache-dir":
			if str, ok := value.(string); ok && str != "" {
				config.Cache.Directory = str
			}
		case "top-k":
			if n, ok := value.(int); ok && n > 0 {
				config.Retrieval.TopK = n
			}
		}
	}
}

// mergeConfigs copies every non-zero field of source into target
func mergeConfigs(target, source *Config) {
	var mergeValues func(t, s reflect.Value)
	mergeValues = func(t, s reflect.Value) {
		if t.Kind() != s.Kind() {
			return
		}

		switch {
		case t.Kind() == reflect.Struct:
			for i := range s.NumField() {
				if !t.Field(i).CanSet() {
					continue
				}

				mergeValues(t.Field(i), s.Field(i))
			}
		case s.Kind() == reflect.Bool:
			// Booleans cannot express "unset" in JSON; only true overrides.
			if s.Bool() {
				t.Set(s)
			}
		case !s.IsZero():
			t.Set(s)
		}
	}

	mergeValues(reflect.ValueOf(target).Elem(), reflect.ValueOf(source).Elem())
}

// Validate checks the configuration and reports the first problem as a config error
func (c *Config) Validate() error {
	oneOf := func(field, value string, allowed ...string) error {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return nil
			}
		}

		return errors.NewConfigError(
			fmt.Sprintf("invalid value %q (must be one of %s)", value, strings.Join(allowed, ", ")),
			field,
		)
	}

	checks := []error{
		oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error"),
		oneOf("logging.format", c.Logging.Format, "text", "json"),
		oneOf("logging.output", c.Logging.Output, "stdout", "stderr", "file"),
		oneOf("database.driver", c.Database.Driver, "duckdb", "pgx"),
		oneOf("graph.backend", c.Graph.Backend, "file", "s3"),
		oneOf("embedding.provider", c.Embedding.Provider, "hash", "remote", "local"),
		oneOf("reranker.provider", c.Reranker.Provider, "embedding", "http", "local"),
		oneOf("cache.backend", c.Cache.Backend, "file", "sqlite"),
		oneOf("retrieval.policy_mode", c.Retrieval.PolicyMode, "any", "all"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	durations := map[string]string{
		"database.query_timeout":      c.Database.QueryTimeout,
		"database.conn_max_lifetime":  c.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": c.Database.ConnMaxIdleTime,
		"embedding.timeout":           c.Embedding.Timeout,
		"reranker.timeout":            c.Reranker.Timeout,
		"retrieval.request_timeout":   c.Retrieval.RequestTimeout,
		"retrieval.retry_backoff":     c.Retrieval.RetryBackoff,
		"cache.cleanup_frequency":     c.Cache.CleanupFreq,
		"llm.timeout":                 c.LLM.Timeout,
	}
	for field, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return errors.NewConfigError(fmt.Sprintf("invalid duration %q", value), field)
		}
	}

	switch {
	case c.Database.MaxConnections <= 0:
		return errors.NewConfigError("must be positive", "database.max_connections")
	case c.Database.Driver == "duckdb" && c.Database.Path == "":
		return errors.NewConfigError("path is required for the duckdb driver", "database.path")
	case c.Database.Driver == "pgx" && c.Database.DSN == "":
		return errors.NewConfigError("dsn is required for the pgx driver", "database.dsn")
	case c.VectorStore.Collection == "":
		return errors.NewConfigError("collection name is required", "vector_store.collection")
	case c.Graph.Backend == "file" && c.Graph.Path == "":
		return errors.NewConfigError("path is required for the file backend", "graph.path")
	case c.Graph.Backend == "s3" && (c.Graph.Endpoint == "" || c.Graph.Bucket == ""):
		return errors.NewConfigError("endpoint and bucket are required for the s3 backend", "graph.s3")
	case c.Embedding.Dimensions <= 0:
		return errors.NewConfigError("must be positive", "embedding.dimensions")
	case c.Embedding.Provider == "remote" && c.Embedding.APIKey == "":
		return errors.NewConfigError("api key is required for the remote provider", "embedding.api_key")
	case c.Reranker.Provider == "http" && c.Reranker.BaseURL == "":
		return errors.NewConfigError("base url is required for the http reranker", "reranker.base_url")
	case c.Retrieval.TopK <= 0:
		return errors.NewConfigError("must be positive", "retrieval.top_k")
	case c.Retrieval.TopN < 0:
		return errors.NewConfigError("must not be negative", "retrieval.top_n")
	case c.Retrieval.RetryAttempts <= 0:
		return errors.NewConfigError("must be positive", "retrieval.retry_attempts")
	case c.Cache.TTLHours < 0:
		return errors.NewConfigError("must not be negative", "cache.ttl_hours")
	}

	return nil
}

// Duration parses one of the validated duration strings; invalid input yields fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return d
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config) error {
	configPath := getConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// getConfigPath returns the path to the configuration file
func getConfigPath() string {
	if configPath := os.Getenv(EnvPrefix + "CONFIG"); configPath != "" {
		return expandPath(configPath)
	}

	return filepath.Join(GetConfigDir(), "config.json")
}

// expandPath expands ~ to home directory in file paths
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return homeDir
	}

	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}

	return path
}

// ExpandAllPaths expands all paths in the configuration
func (c *Config) ExpandAllPaths() {
	c.Database.Path = expandPath(c.Database.Path)
	c.VectorStore.Path = expandPath(c.VectorStore.Path)
	c.Graph.Path = expandPath(c.Graph.Path)
	c.Cache.Directory = expandPath(c.Cache.Directory)
	c.Logging.File = expandPath(c.Logging.File)
}

// GetConfigDir returns the configuration directory
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".config/sqlcontext"
	}

	return filepath.Join(homeDir, ".config", "sqlcontext")
}

// EnsureDirectories creates necessary directories for the configuration
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Cache.Directory}

	if c.Database.Driver == "duckdb" {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}

	if c.Graph.Backend == "file" {
		dirs = append(dirs, filepath.Dir(c.Graph.Path))
	}

	if c.VectorStore.Path != "" {
		dirs = append(dirs, filepath.Dir(c.VectorStore.Path))
	}

	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	return nil
}
