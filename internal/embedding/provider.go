package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kyleking/sqlcontext/internal/cache"
	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/python"
)

// Provider defines the interface for embedding providers
type Provider interface {
	// GenerateEmbedding generates an embedding for the given text
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// GetDimensions returns the dimensionality of embeddings produced by this provider
	GetDimensions() int

	// IsEnabled returns whether the provider is enabled and ready to use
	IsEnabled() bool

	// GetName returns the provider name for identification
	GetName() string
}

// BatchProvider is implemented by providers that encode many texts per call
type BatchProvider interface {
	Provider
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Config represents embedding provider configuration
type Config struct {
	Provider   string        `json:"provider"` // hash, remote, local
	Model      string        `json:"model"`
	Dimensions int           `json:"dimensions"`
	BaseURL    string        `json:"base_url"`
	APIKey     string        `json:"-"`
	UVPath     string        `json:"uv_path"`
	Timeout    time.Duration `json:"timeout"`
}

// DefaultDimensions matches all-MiniLM-L6-v2
const DefaultDimensions = 384

// FromConfig converts the application embedding section
func FromConfig(cfg config.EmbeddingConfig) Config {
	return Config{
		Provider:   cfg.Provider,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		UVPath:     cfg.UVPath,
		Timeout:    config.Duration(cfg.Timeout, 30*time.Second),
	}
}

// NewProvider creates the configured provider. cacheDir hosts the python
// environment of the local provider.
func NewProvider(ctx context.Context, cfg Config, cacheDir string) (Provider, error) {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}

	var (
		provider Provider
		err      error
	)

	switch cfg.Provider {
	case "", "hash":
		provider = NewHashProvider(cfg.Dimensions)
	case "remote":
		provider, err = NewRemoteProvider(cfg)
	case "local":
		provider, err = newLocalFromConfig(ctx, cfg, cacheDir)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}

	return provider, nil
}

// NewCachedFromConfig builds the configured provider and wraps it with memo
func NewCachedFromConfig(ctx context.Context, cfg config.EmbeddingConfig, cacheDir string, memo *cache.Memoizer) (Provider, error) {
	provider, err := NewProvider(ctx, FromConfig(cfg), cacheDir)
	if err != nil {
		return nil, err
	}

	return NewCachedProvider(provider, memo), nil
}

func newLocalFromConfig(ctx context.Context, cfg Config, cacheDir string) (*LocalProvider, error) {
	uvPath, err := python.FindUV(cfg.UVPath)
	if err != nil {
		return nil, err
	}

	env, err := python.EnsureEnvironment(ctx, uvPath, cacheDir)
	if err != nil {
		return nil, err
	}

	return NewLocalProvider(cfg, env), nil
}

// CosineSimilarity returns cos(a, b), or 0 for mismatched or zero vectors
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64

	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}

	if norm == 0 {
		return v
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}

	return v
}
