package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/errors"
)

// RemoteProvider calls an OpenAI-compatible /embeddings endpoint
type RemoteProvider struct {
	config     Config
	httpClient *http.Client
}

type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewRemoteProvider creates a remote provider; BaseURL and Model are required
func NewRemoteProvider(config Config) (*RemoteProvider, error) {
	if config.BaseURL == "" {
		return nil, errors.NewConfigError("remote embedding provider requires a base URL", "embedding.base_url")
	}

	if config.Model == "" {
		return nil, errors.NewConfigError("remote embedding provider requires a model", "embedding.model")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &RemoteProvider{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// GenerateEmbedding generates an embedding for the given text
func (p *RemoteProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	out, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	return out[0], nil
}

// GenerateEmbeddings encodes texts in one request, preserving order
func (p *RemoteProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingsRequest{
		Model:      p.config.Model,
		Input:      texts,
		Dimensions: p.config.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewUpstreamError(err, "embedding")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewUpstreamError(err, "embedding")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewUpstreamError(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), "embedding")
	}

	var decoded embeddingsResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}

	if decoded.Error != nil {
		return nil, errors.NewUpstreamError(fmt.Errorf("%s", decoded.Error.Message), "embedding")
	}

	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(decoded.Data))
	}

	out := make([][]float32, len(texts))

	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}

		if p.config.Dimensions > 0 && len(d.Embedding) != p.config.Dimensions {
			return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", p.config.Dimensions, len(d.Embedding))
		}

		out[d.Index] = d.Embedding
	}

	return out, nil
}

// GetDimensions returns the dimensionality of embeddings produced by this provider
func (p *RemoteProvider) GetDimensions() int { return p.config.Dimensions }

// IsEnabled reports whether the provider is configured
func (p *RemoteProvider) IsEnabled() bool { return p.config.BaseURL != "" }

// GetName returns the provider name for identification
func (p *RemoteProvider) GetName() string { return "remote:" + p.config.Model }
