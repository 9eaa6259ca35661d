package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver

	"github.com/kyleking/sqlcontext/internal/embedding"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/storage"
)

func migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Vector documents",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS vector_documents (
					collection VARCHAR NOT NULL,
					id VARCHAR NOT NULL,
					content TEXT NOT NULL,
					metadata TEXT NOT NULL DEFAULT '{}',
					embedding TEXT NOT NULL,
					dimensions INTEGER NOT NULL,
					updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (collection, id)
				)`,
			},
			Down: []string{`DROP TABLE IF EXISTS vector_documents`},
		},
	}
}

// DuckDBStore keeps embeddings as JSON text in DuckDB and ranks them in
// process by cosine distance
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore opens (or creates) the vector database at path
func NewDuckDBStore(path string) (*DuckDBStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeFileSystem, "failed to create vector store directory")
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to open vector store")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to ping vector store")
	}

	return &DuckDBStore{db: db}, nil
}

// Initialize applies the vector schema
func (s *DuckDBStore) Initialize(ctx context.Context) error {
	return storage.NewMigrationManager(s.db, "vector_migrations", migrations()).MigrateUp(ctx)
}

// Upsert inserts or replaces doc; an empty ID is derived from the content
func (s *DuckDBStore) Upsert(ctx context.Context, doc Document, collection string) error {
	if len(doc.Embedding) == 0 {
		return errors.NewValidationError("document %s has no embedding", doc.ID)
	}

	if doc.ID == "" {
		doc.ID = DocumentID(doc.Content)
	}

	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	embJSON, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_documents (collection, id, content, metadata, embedding, dimensions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (collection, id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			dimensions = excluded.dimensions,
			updated_at = excluded.updated_at`,
		collection, doc.ID, doc.Content, string(metaJSON), string(embJSON), len(doc.Embedding))
	if err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to upsert document %s", doc.ID)
	}

	return nil
}

// Query ranks the collection against embedding
func (s *DuckDBStore) Query(ctx context.Context, emb []float32, collection string, topK int, filters map[string]string) ([]Match, error) {
	if topK < 1 {
		return nil, errors.NewValidationError("topK must be at least 1, got %d", topK)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata, embedding, dimensions
		FROM vector_documents
		WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector documents: %w", err)
	}
	defer rows.Close()

	var matches []Match

	for rows.Next() {
		var (
			m                 Match
			metaJSON, embJSON string
			dims              int
		)

		if err := rows.Scan(&m.ID, &m.Content, &metaJSON, &embJSON, &dims); err != nil {
			return nil, fmt.Errorf("failed to scan vector document: %w", err)
		}

		if dims != len(emb) {
			return nil, errors.Newf(errors.ErrTypeConfig,
				"collection %s holds %d-dimensional embeddings but the query has %d", collection, dims, len(emb)).
				WithSuggestion("re-index table descriptions after changing the embedding provider")
		}

		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", m.ID, err)
		}

		if !matchesFilters(m.Metadata, filters) {
			continue
		}

		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			return nil, fmt.Errorf("failed to decode embedding of %s: %w", m.ID, err)
		}

		m.Distance = 1 - embedding.CosineSimilarity(emb, stored)
		matches = append(matches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vector documents: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}

		return matches[i].ID < matches[j].ID
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}

	return matches, nil
}

func matchesFilters(metadata, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}

	return true
}

// Delete removes one document; unknown ids are a no-op
func (s *DuckDBStore) Delete(ctx context.Context, id, collection string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vector_documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to delete document %s", id)
	}

	return nil
}

// Count returns the number of documents in collection
func (s *DuckDBStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vector_documents WHERE collection = $1`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vector documents: %w", err)
	}

	return n, nil
}

// Close closes the database
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}
