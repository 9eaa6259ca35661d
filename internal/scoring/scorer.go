// Package scoring assigns each retrieved candidate a reranker score and a
// BM25 keyword score. Both are pure functions of (query, candidate text) and
// are memoized in the durable cache.
package scoring

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/kyleking/sqlcontext/internal/cache"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/types"
)

const memoFunction = "scoring.Scorer.Score/v1"

// Scorer combines a Reranker with BM25 keyword scoring
type Scorer struct {
	reranker Reranker
	memo     *cache.Memoizer
	timeout  time.Duration
}

// Option configures a Scorer
type Option func(*Scorer)

// WithTimeout bounds every reranker call
func WithTimeout(d time.Duration) Option {
	return func(s *Scorer) {
		s.timeout = d
	}
}

// New creates a scorer; memo may be nil to disable caching
func New(reranker Reranker, memo *cache.Memoizer, opts ...Option) *Scorer {
	s := &Scorer{reranker: reranker, memo: memo}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Score returns both relevance signals for one (query, candidate) pair
func (s *Scorer) Score(ctx context.Context, query, candidateText string) (types.Scores, error) {
	args := []interface{}{s.reranker.Name(), query, candidateText}

	return cache.Memoize(ctx, s.memo, memoFunction, args, func(ctx context.Context) (types.Scores, error) {
		return s.compute(ctx, query, candidateText)
	})
}

func (s *Scorer) compute(ctx context.Context, query, candidateText string) (types.Scores, error) {
	rctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reranked, err := s.reranker.Rerank(rctx, query, candidateText)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(rctx.Err(), context.DeadlineExceeded) {
			return types.Scores{}, errors.NewTimeoutError(err, "reranker")
		}

		if errors.GetType(err) == errors.ErrTypeInternal {
			return types.Scores{}, errors.NewUpstreamError(err, "reranker")
		}

		return types.Scores{}, err
	}

	return types.Scores{
		RerankerScore: reranked,
		KeywordScore:  KeywordScore(query, candidateText),
	}, nil
}
