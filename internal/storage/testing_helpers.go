package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kyleking/sqlcontext/internal/retry"
	"github.com/kyleking/sqlcontext/internal/types"
)

// TestTable seeds one table for NewTestDBWithData
type TestTable struct {
	Name        string
	Description string
	Columns     []types.ColumnDescriptor
}

// NewTestDB creates an initialized DuckDB repository in a temp dir that is
// closed when the test ends.
func NewTestDB(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := NewDuckDBRepository(filepath.Join(t.TempDir(), "test.db"), Options{
		QueryTimeout: 10 * time.Second,
		Retry:        retry.Policy{Attempts: 2, Initial: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}

	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close test repository: %v", err)
		}
	})

	if err := repo.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize test repository: %v", err)
	}

	return repo
}

// NewTestDBWithData creates a test repository pre-seeded with tables
func NewTestDBWithData(t *testing.T, tables []TestTable) *SQLRepository {
	t.Helper()

	repo := NewTestDB(t)
	ctx := context.Background()

	for _, tbl := range tables {
		if err := repo.PutTableDescription(ctx, tbl.Name, tbl.Description, SourceManual); err != nil {
			t.Fatalf("failed to store test table %s: %v", tbl.Name, err)
		}

		if len(tbl.Columns) > 0 {
			if err := repo.PutColumnMetadata(ctx, tbl.Name, tbl.Columns); err != nil {
				t.Fatalf("failed to store columns of %s: %v", tbl.Name, err)
			}
		}
	}

	return repo
}
