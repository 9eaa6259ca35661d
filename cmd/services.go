package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kyleking/sqlcontext/internal/assembler"
	"github.com/kyleking/sqlcontext/internal/cache"
	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/embedding"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/graph"
	"github.com/kyleking/sqlcontext/internal/llm"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/python"
	"github.com/kyleking/sqlcontext/internal/resolver"
	"github.com/kyleking/sqlcontext/internal/retriever"
	"github.com/kyleking/sqlcontext/internal/retry"
	"github.com/kyleking/sqlcontext/internal/scoring"
	"github.com/kyleking/sqlcontext/internal/storage"
	"github.com/kyleking/sqlcontext/internal/vectorstore"
)

// services opens components on demand and closes whatever was opened
type services struct {
	cfg     *config.Config
	closers []func() error

	repo      *storage.SQLRepository
	graph     *graph.Store
	cache     cache.Cache
	memo      *cache.Memoizer
	embedder  embedding.Provider
	retriever *retriever.VectorRetriever
}

func newServices(ctx context.Context) (*services, error) {
	cfg, err := mustConfig(ctx)
	if err != nil {
		return nil, err
	}

	return &services{cfg: cfg}, nil
}

// Close releases components in reverse opening order
func (s *services) Close() error {
	var first error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}

	s.closers = nil

	return first
}

func (s *services) Repository(ctx context.Context) (*storage.SQLRepository, error) {
	if s.repo != nil {
		return s.repo, nil
	}

	repo, err := storage.NewRepositoryFromConfig(s.cfg.Database, retry.FromConfig(s.cfg.Retrieval))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to open metadata repository")
	}

	if err := repo.Initialize(ctx); err != nil {
		_ = repo.Close()
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to initialize metadata repository")
	}

	s.repo = repo
	s.closers = append(s.closers, repo.Close)

	return repo, nil
}

func (s *services) Graph(ctx context.Context) (*graph.Store, error) {
	if s.graph != nil {
		return s.graph, nil
	}

	persist, err := snapshotStore(s.cfg.Graph)
	if err != nil {
		return nil, err
	}

	store, err := graph.Open(ctx, persist)
	if err != nil {
		return nil, fmt.Errorf("failed to open relationship graph: %w", err)
	}

	s.graph = store

	return store, nil
}

func snapshotStore(cfg config.GraphConfig) (graph.SnapshotStore, error) {
	switch cfg.Backend {
	case "", "file":
		return graph.NewFileSnapshotStore(cfg.Path), nil
	case "s3":
		return graph.NewS3SnapshotStore(graph.S3Config{
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			Key:             cfg.Key,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			UseSSL:          cfg.UseSSL,
		})
	default:
		return nil, errors.NewConfigError("unsupported graph backend: "+cfg.Backend, "graph.backend")
	}
}

func (s *services) Cache(ctx context.Context) (cache.Cache, error) {
	if s.cache != nil {
		return s.cache, nil
	}

	ttl := time.Duration(s.cfg.Cache.TTLHours) * time.Hour

	var (
		c   cache.Cache
		err error
	)

	switch s.cfg.Cache.Backend {
	case "sqlite":
		c, err = cache.NewSQLiteCache(ctx, filepath.Join(s.cfg.Cache.Directory, "cache.db"), s.cfg.Cache.MaxSizeMB, ttl)
	default:
		c, err = cache.NewFileCache(filepath.Join(s.cfg.Cache.Directory, "memo"), s.cfg.Cache.MaxSizeMB, ttl,
			config.Duration(s.cfg.Cache.CleanupFreq, time.Hour))
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeFileSystem, "failed to open cache")
	}

	s.cache = c
	s.closers = append(s.closers, c.Close)

	return c, nil
}

// Memoizer shares one cache across the scorer, embedder and LLM callers.
// A cache that cannot be opened disables memoization rather than failing.
func (s *services) Memoizer(ctx context.Context) *cache.Memoizer {
	if s.memo != nil {
		return s.memo
	}

	c, err := s.Cache(ctx)
	if err != nil {
		logging.FromContext(ctx).Warnf("memoization disabled: %v", err)
		return nil
	}

	s.memo = cache.NewMemoizer(c, time.Duration(s.cfg.Cache.TTLHours)*time.Hour)

	return s.memo
}

func (s *services) Embedder(ctx context.Context) (embedding.Provider, error) {
	if s.embedder != nil {
		return s.embedder, nil
	}

	p, err := embedding.NewCachedFromConfig(ctx, s.cfg.Embedding, s.cfg.Cache.Directory, s.Memoizer(ctx))
	if err != nil {
		return nil, err
	}

	s.embedder = p

	return p, nil
}

func (s *services) Retriever(ctx context.Context) (*retriever.VectorRetriever, error) {
	if s.retriever != nil {
		return s.retriever, nil
	}

	embedder, err := s.Embedder(ctx)
	if err != nil {
		return nil, err
	}

	store, err := vectorstore.NewDuckDBStore(s.cfg.VectorStore.Path)
	if err != nil {
		return nil, err
	}

	s.closers = append(s.closers, store.Close)

	if err := store.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to initialize vector store")
	}

	s.retriever = retriever.New(store, embedder, retriever.Options{
		Collection: s.cfg.VectorStore.Collection,
		Timeout:    config.Duration(s.cfg.Retrieval.RequestTimeout, time.Minute),
		Retry:      retry.FromConfig(s.cfg.Retrieval),
	})

	return s.retriever, nil
}

func (s *services) Scorer(ctx context.Context) (*scoring.Scorer, error) {
	embedder, err := s.Embedder(ctx)
	if err != nil {
		return nil, err
	}

	var uvPath string

	if s.cfg.Reranker.Provider == "local" {
		if uvPath, err = python.FindUV(s.cfg.Embedding.UVPath); err != nil {
			return nil, err
		}
	}

	reranker, err := scoring.NewRerankerFromConfig(ctx, s.cfg.Reranker, embedder, uvPath, s.cfg.Cache.Directory)
	if err != nil {
		return nil, err
	}

	return scoring.New(reranker, s.Memoizer(ctx),
		scoring.WithTimeout(config.Duration(s.cfg.Reranker.Timeout, 30*time.Second))), nil
}

func (s *services) Assembler(ctx context.Context) (*assembler.Assembler, error) {
	repo, err := s.Repository(ctx)
	if err != nil {
		return nil, err
	}

	store, err := s.Graph(ctx)
	if err != nil {
		return nil, err
	}

	ret, err := s.Retriever(ctx)
	if err != nil {
		return nil, err
	}

	scorer, err := s.Scorer(ctx)
	if err != nil {
		return nil, err
	}

	return assembler.New(ret, scorer, resolver.New(store, repo), repo, assembler.Options{
		TopK:           s.cfg.Retrieval.TopK,
		Policy:         assembler.PolicyFromConfig(s.cfg.Retrieval),
		RequestTimeout: config.Duration(s.cfg.Retrieval.RequestTimeout, time.Minute),
	}), nil
}

func (s *services) LLM() (*llm.Manager, error) {
	return llm.NewManagerFromConfig(s.cfg.LLM)
}
