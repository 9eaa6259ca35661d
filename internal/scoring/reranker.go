package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/embedding"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/python"
)

// Reranker scores how well document answers query by looking at both together
type Reranker interface {
	Rerank(ctx context.Context, query, document string) (float64, error)
	// Name identifies the model; it is part of the memoization key
	Name() string
}

// EmbeddingReranker uses the cosine similarity of the query and document
// embeddings. It is the offline default when no cross-encoder is configured.
type EmbeddingReranker struct {
	provider embedding.Provider
}

// NewEmbeddingReranker wraps provider
func NewEmbeddingReranker(provider embedding.Provider) *EmbeddingReranker {
	return &EmbeddingReranker{provider: provider}
}

// Rerank returns cos(query, document) in [-1, 1]
func (r *EmbeddingReranker) Rerank(ctx context.Context, query, document string) (float64, error) {
	q, err := r.provider.GenerateEmbedding(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to embed query: %w", err)
	}

	d, err := r.provider.GenerateEmbedding(ctx, document)
	if err != nil {
		return 0, fmt.Errorf("failed to embed document: %w", err)
	}

	return embedding.CosineSimilarity(q, d), nil
}

// Name returns the embedding provider name and dimensions
func (r *EmbeddingReranker) Name() string {
	return fmt.Sprintf("embedding:%s:%d", r.provider.GetName(), r.provider.GetDimensions())
}

// HTTPReranker calls a cross-encoder served behind a /rerank endpoint.
// Both the text-embeddings-inference response (a bare array of
// {index, score}) and the Cohere style ({results: [{index, relevance_score}]})
// are understood.
type HTTPReranker struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents,omitempty"`
	Texts     []string `json:"texts,omitempty"`
}

type rerankHit struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

// NewHTTPReranker creates a reranker client
func NewHTTPReranker(baseURL, model, apiKey string, timeout time.Duration) (*HTTPReranker, error) {
	if baseURL == "" {
		return nil, errors.NewConfigError("base url is required for the http reranker", "reranker.base_url")
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPReranker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Rerank scores one pair
func (r *HTTPReranker) Rerank(ctx context.Context, query, document string) (float64, error) {
	body, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: []string{document},
		Texts:     []string{document},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, errors.NewUpstreamError(err, "reranker")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.NewUpstreamError(err, "reranker")
	}

	if resp.StatusCode != http.StatusOK {
		return 0, errors.NewUpstreamError(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), "reranker")
	}

	hits, err := decodeRerank(raw)
	if err != nil {
		return 0, err
	}

	for _, h := range hits {
		if h.Index != 0 {
			continue
		}

		switch {
		case h.Score != nil:
			return *h.Score, nil
		case h.RelevanceScore != nil:
			return *h.RelevanceScore, nil
		}
	}

	return 0, fmt.Errorf("rerank response has no score for the document")
}

func decodeRerank(raw []byte) ([]rerankHit, error) {
	var hits []rerankHit
	if err := json.Unmarshal(raw, &hits); err == nil {
		return hits, nil
	}

	var wrapped struct {
		Results []rerankHit `json:"results"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	return wrapped.Results, nil
}

// Name returns the model name and the endpoint serving it
func (r *HTTPReranker) Name() string {
	return fmt.Sprintf("http:%s@%s", r.model, r.baseURL)
}

// LocalReranker runs a sentence-transformers cross-encoder through the
// bundled python environment
type LocalReranker struct {
	env     *python.Environment
	model   string
	timeout time.Duration
}

// NewLocalReranker binds a cross-encoder model to env
func NewLocalReranker(env *python.Environment, model string, timeout time.Duration) *LocalReranker {
	if model == "" {
		model = "BAAI/bge-reranker-base"
	}

	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &LocalReranker{env: env, model: model, timeout: timeout}
}

// Rerank scores one pair with raw (un-normalized) cross-encoder logits
func (r *LocalReranker) Rerank(ctx context.Context, query, document string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	input := map[string]interface{}{"query": query, "documents": []string{document}}

	var out struct {
		Scores []float64 `json:"scores"`
	}

	if err := r.env.RunJSON(ctx, "rerank.py", input, &out, "--model", r.model); err != nil {
		return 0, err
	}

	if len(out.Scores) != 1 {
		return 0, fmt.Errorf("expected 1 rerank score, got %d", len(out.Scores))
	}

	return out.Scores[0], nil
}

// Name returns the model name
func (r *LocalReranker) Name() string {
	return "local:" + r.model
}

// NewRerankerFromConfig builds the configured reranker. The embedding
// provider backs the default reranker; cacheDir hosts the python environment
// of the local one.
func NewRerankerFromConfig(ctx context.Context, cfg config.RerankerConfig, provider embedding.Provider, uvPath, cacheDir string) (Reranker, error) {
	timeout := config.Duration(cfg.Timeout, 30*time.Second)

	switch strings.ToLower(cfg.Provider) {
	case "", "embedding":
		return NewEmbeddingReranker(provider), nil
	case "http":
		return NewHTTPReranker(cfg.BaseURL, cfg.Model, cfg.APIKey, timeout)
	case "local":
		env, err := python.EnsureEnvironment(ctx, uvPath, cacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare python environment: %w", err)
		}

		return NewLocalReranker(env, cfg.Model, timeout), nil
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("unsupported reranker provider %q", cfg.Provider), "reranker.provider")
	}
}
