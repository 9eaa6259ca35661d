package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/kyleking/sqlcontext/internal/python"
)

// LocalProvider runs sentence-transformers through the bundled uv project
type LocalProvider struct {
	config  Config
	env     *python.Environment
	timeout time.Duration
}

// embeddingResult represents the JSON response from embed.py
type embeddingResult struct {
	Embeddings [][]float64 `json:"embeddings"`
	Model      string      `json:"model"`
	Dimension  int         `json:"dimension"`
	Count      int         `json:"count"`
}

// NewLocalProvider creates a provider bound to an extracted python environment
func NewLocalProvider(config Config, env *python.Environment) *LocalProvider {
	timeout := config.Timeout
	if timeout <= 0 {
		// model load dominates the first call
		timeout = 60 * time.Second
	}

	if config.Model == "" {
		config.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}

	return &LocalProvider{config: config, env: env, timeout: timeout}
}

// GenerateEmbedding generates an embedding for the given text
func (p *LocalProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, p.config.Dimensions), nil
	}

	out, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	return out[0], nil
}

// GenerateEmbeddings generates embeddings for multiple texts in one subprocess
func (p *LocalProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var result embeddingResult
	if err := p.env.RunJSON(ctx, "embed.py", texts, &result, "--model", p.config.Model, "--stdin"); err != nil {
		return nil, err
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	if p.config.Dimensions > 0 && result.Dimension != p.config.Dimensions {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", p.config.Dimensions, result.Dimension)
	}

	embeddings := make([][]float32, len(result.Embeddings))

	for i, emb := range result.Embeddings {
		embeddings[i] = make([]float32, len(emb))
		for j, v := range emb {
			embeddings[i][j] = float32(v)
		}
	}

	return embeddings, nil
}

// GetDimensions returns the dimensionality of embeddings produced by this provider
func (p *LocalProvider) GetDimensions() int { return p.config.Dimensions }

// IsEnabled returns whether the provider is ready to use
func (p *LocalProvider) IsEnabled() bool { return p.env != nil }

// GetName returns the provider name for identification
func (p *LocalProvider) GetName() string { return fmt.Sprintf("local:%s", p.config.Model) }
