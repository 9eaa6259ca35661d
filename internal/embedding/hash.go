package embedding

import (
	"context"
	"hash/fnv"

	"github.com/kyleking/sqlcontext/internal/text"
)

// HashProvider embeds text offline by hashing unigrams and bigrams into a
// fixed number of signed buckets. Equal texts always map to equal vectors and
// texts sharing vocabulary land close together.
type HashProvider struct {
	dimensions int
}

// NewHashProvider creates a feature-hashing provider
func NewHashProvider(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}

	return &HashProvider{dimensions: dimensions}
}

// GenerateEmbedding generates an embedding for the given text
func (p *HashProvider) GenerateEmbedding(ctx context.Context, s string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, p.dimensions)
	tokens := text.Tokenize(s)

	for i, tok := range tokens {
		p.add(vec, tok, 1)

		if i > 0 {
			p.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	return normalize(vec), nil
}

// GenerateEmbeddings embeds each text in order
func (p *HashProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	for i, s := range texts {
		vec, err := p.GenerateEmbedding(ctx, s)
		if err != nil {
			return nil, err
		}

		out[i] = vec
	}

	return out, nil
}

func (p *HashProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(p.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}

	vec[idx] += weight
}

// GetDimensions returns the vector size
func (p *HashProvider) GetDimensions() int { return p.dimensions }

// IsEnabled is always true
func (p *HashProvider) IsEnabled() bool { return true }

// GetName returns the provider name for identification
func (p *HashProvider) GetName() string { return "hash" }
