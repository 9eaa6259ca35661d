package retriever

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/embedding"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/retry"
	"github.com/kyleking/sqlcontext/internal/types"
	"github.com/kyleking/sqlcontext/internal/vectorstore"
)

// MetadataTable is the document metadata key holding the table name
const MetadataTable = "table"

// Retriever surfaces the tables whose descriptions are closest to a query
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]types.RetrievedCandidate, error)
	Index(ctx context.Context, table, description string, metadata map[string]string) error
	Remove(ctx context.Context, table string) error
}

// Options configure a VectorRetriever
type Options struct {
	Collection string
	// Timeout bounds one Retrieve call, embedding included. Zero disables it.
	Timeout time.Duration
	Retry   retry.Policy
	// Filters restrict every query to documents carrying these metadata values
	Filters map[string]string
}

// VectorRetriever embeds queries with the same provider used for indexing and
// asks the vector store for nearest neighbours
type VectorRetriever struct {
	store    vectorstore.Store
	embedder embedding.Provider
	opts     Options
}

// New creates a retriever over store using embedder for both queries and documents
func New(store vectorstore.Store, embedder embedding.Provider, opts Options) *VectorRetriever {
	if opts.Collection == "" {
		opts.Collection = "table_descriptions"
	}

	if opts.Retry.Attempts < 1 {
		opts.Retry = retry.DefaultPolicy
	}

	return &VectorRetriever{store: store, embedder: embedder, opts: opts}
}

// Retrieve returns at most topK candidates ordered by ascending distance
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]types.RetrievedCandidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.NewValidationError("query must not be empty")
	}

	if topK < 1 {
		return nil, errors.NewValidationError("topK must be at least 1, got %d", topK)
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	vec, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, classify(ctx, err, "embedding", "query embedding")
	}

	var matches []vectorstore.Match

	err = retry.Do(ctx, r.opts.Retry, "vector_store", func(ctx context.Context) error {
		var qerr error
		matches, qerr = r.store.Query(ctx, vec, r.opts.Collection, topK, r.opts.Filters)
		// a dimension mismatch will not fix itself
		if errors.IsType(qerr, errors.ErrTypeConfig) {
			return retry.Permanent(qerr)
		}

		return qerr
	})
	if err != nil {
		return nil, classify(ctx, err, "vector_store", "vector search")
	}

	candidates := make([]types.RetrievedCandidate, 0, len(matches))
	for _, m := range matches {
		name := m.Metadata[MetadataTable]
		if name == "" {
			name = m.ID
		}

		candidates = append(candidates, types.RetrievedCandidate{
			TableName:   types.NormalizeTableName(name),
			Description: m.Content,
			Distance:    m.Distance,
			Metadata:    m.Metadata,
		})
	}

	logging.FromContext(ctx).Debugf("retrieved %d candidate(s) for %q", len(candidates), query)

	return candidates, nil
}

// Index embeds the table description and upserts it; re-indexing a table
// replaces its previous document
func (r *VectorRetriever) Index(ctx context.Context, table, description string, metadata map[string]string) error {
	name := types.NormalizeTableName(table)
	if name == "" {
		return errors.NewValidationError("table name must not be empty")
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}

	meta[MetadataTable] = name

	vec, err := r.embedder.GenerateEmbedding(ctx, DocumentText(name, description))
	if err != nil {
		return classify(ctx, err, "embedding", "document embedding")
	}

	doc := vectorstore.Document{
		ID:        vectorstore.DocumentID(name),
		Content:   description,
		Metadata:  meta,
		Embedding: vec,
	}

	if err := r.store.Upsert(ctx, doc, r.opts.Collection); err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to index table %s", name)
	}

	return nil
}

// Remove deletes the indexed document of table
func (r *VectorRetriever) Remove(ctx context.Context, table string) error {
	name := types.NormalizeTableName(table)
	if name == "" {
		return errors.NewValidationError("table name must not be empty")
	}

	return r.store.Delete(ctx, vectorstore.DocumentID(name), r.opts.Collection)
}

// DocumentText is the text embedded for a table: its name followed by its
// description, so a table named after a query term is still found when the
// description is sparse
func DocumentText(table, description string) string {
	table = strings.ReplaceAll(table, "_", " ")
	if description == "" {
		return table
	}

	return table + "\n" + description
}

func classify(ctx context.Context, err error, service, operation string) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(err, operation)
	}

	switch errors.GetType(err) {
	case errors.ErrTypeValidation, errors.ErrTypeConfig, errors.ErrTypeTimeout, errors.ErrTypeUpstream:
		return err
	}

	return errors.NewUpstreamError(err, service)
}
