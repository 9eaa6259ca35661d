package embedding

import (
	"context"
	"fmt"

	"github.com/kyleking/sqlcontext/internal/cache"
	"github.com/kyleking/sqlcontext/internal/errors"
)

// CachedProvider memoizes embeddings per (provider, text)
type CachedProvider struct {
	Provider
	memo *cache.Memoizer
}

// NewCachedProvider wraps p. A nil memo disables caching.
func NewCachedProvider(p Provider, memo *cache.Memoizer) *CachedProvider {
	return &CachedProvider{Provider: p, memo: memo}
}

// GenerateEmbedding returns the cached embedding or computes and stores it
func (c *CachedProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return cache.Memoize(ctx, c.memo, "embedding", c.args(text), func(ctx context.Context) ([]float32, error) {
		return c.Provider.GenerateEmbedding(ctx, text)
	})
}

// GenerateEmbeddings serves cached texts and batches only the misses
// through the wrapped provider when it supports batching.
func (c *CachedProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	batcher, ok := c.Provider.(BatchProvider)
	if !ok {
		out := make([][]float32, len(texts))

		for i, t := range texts {
			vec, err := c.GenerateEmbedding(ctx, t)
			if err != nil {
				return nil, err
			}

			out[i] = vec
		}

		return out, nil
	}

	out := make([][]float32, len(texts))

	var (
		missing []string
		slots   []int
	)

	for i, t := range texts {
		vec, err := c.lookup(ctx, t)
		if err == nil {
			out[i] = vec
			continue
		}

		missing = append(missing, t)
		slots = append(slots, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := batcher.GenerateEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}

	if len(vecs) != len(missing) {
		return nil, errors.NewUpstreamError(
			fmt.Errorf("expected %d embeddings, got %d", len(missing), len(vecs)), c.Provider.GetName())
	}

	for j, vec := range vecs {
		out[slots[j]] = vec
		c.store(ctx, missing[j], vec)
	}

	return out, nil
}

func (c *CachedProvider) lookup(ctx context.Context, text string) ([]float32, error) {
	return cache.Memoize(ctx, c.memo, "embedding", c.args(text), func(context.Context) ([]float32, error) {
		return nil, cache.ErrMiss
	})
}

func (c *CachedProvider) store(ctx context.Context, text string, vec []float32) {
	_, _ = cache.Memoize(ctx, c.memo, "embedding", c.args(text), func(context.Context) ([]float32, error) {
		return vec, nil
	})
}

func (c *CachedProvider) args(text string) []interface{} {
	return []interface{}{c.Provider.GetName(), c.Provider.GetDimensions(), text}
}
