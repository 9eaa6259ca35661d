package vectorstore

import (
	"context"

	"github.com/google/uuid"
)

// Document is one embedded text with string metadata
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"-"`
}

// Match is a stored document ranked against a query embedding
type Match struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

// Store is a collection-scoped nearest neighbour index
type Store interface {
	Initialize(ctx context.Context) error
	// Query returns at most topK documents of collection whose metadata
	// contains every filter pair, by ascending cosine distance then id.
	Query(ctx context.Context, embedding []float32, collection string, topK int, filters map[string]string) ([]Match, error)
	Upsert(ctx context.Context, doc Document, collection string) error
	Delete(ctx context.Context, id, collection string) error
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}

// DocumentID derives a stable id from a document key
func DocumentID(key string) string {
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(key)).String()
}
