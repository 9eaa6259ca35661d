package graph

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/types"
)

func TestAddRelationIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	rel := types.Relation{SourceTable: "orders", TargetTable: "customers", JoinKeys: key("cust_id", "id")}

	require.NoError(t, store.AddRelation(ctx, []types.Relation{rel}))
	once := store.Snapshot().Snapshot()

	require.NoError(t, store.AddRelation(ctx, []types.Relation{rel}))
	twice := store.Snapshot().Snapshot()

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, store.Snapshot().EdgeCount())
}

func TestAddRelationOverwritesJoinKeys(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, []types.Relation{
		{SourceTable: "orders", TargetTable: "customers", JoinKeys: key("cust_id", "id")},
	})

	// same pair, reversed orientation, new keys
	require.NoError(t, store.AddRelation(ctx, []types.Relation{
		{SourceTable: "CUSTOMERS", TargetTable: "orders", JoinKeys: key("id", "customer_id")},
	}))

	assert.Equal(t, 1, store.Snapshot().EdgeCount())

	keys, ok := store.Snapshot().JoinKeys("orders", "customers")
	require.True(t, ok)
	assert.Equal(t, key("customer_id", "id"), keys)
}

func TestAddRelationValidation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, retailRelations())
	before := store.Snapshot()

	err := store.AddRelation(ctx, nil)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	// one bad relation rejects the whole batch
	err = store.AddRelation(ctx, []types.Relation{
		{SourceTable: "a", TargetTable: "b"},
		{SourceTable: "c", TargetTable: "C"},
	})
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.Same(t, before, store.Snapshot())
	assert.False(t, store.Snapshot().HasTable("a"))
}

type failingSnapshotStore struct {
	MemorySnapshotStore
}

func (f *failingSnapshotStore) Save(context.Context, *Snapshot) error {
	return fmt.Errorf("disk full")
}

func TestAddRelationNotPublishedWhenSaveFails(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, &failingSnapshotStore{})
	require.NoError(t, err)

	err = store.AddRelation(ctx, retailRelations())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, store.Snapshot().NodeCount())
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, retailRelations())

	reader := store.Snapshot()
	require.NoError(t, store.AddRelation(ctx, []types.Relation{
		{SourceTable: "regions", TargetTable: "countries", JoinKeys: key("country_id", "id")},
	}))

	assert.False(t, reader.HasTable("countries"))
	assert.True(t, store.Snapshot().HasTable("countries"))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, retailRelations())

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(2)

		go func(i int) {
			defer wg.Done()

			rel := types.Relation{
				SourceTable: "regions",
				TargetTable: fmt.Sprintf("zone_%d", i),
				JoinKeys:    key("zone_id", "id"),
			}
			assert.NoError(t, store.AddRelation(ctx, []types.Relation{rel}))
		}(i)

		go func() {
			defer wg.Done()

			g := store.Snapshot()
			hops, err := g.GetRelations([]string{"orders", "regions"})
			assert.NoError(t, err)
			assert.Len(t, hops, 2)
		}()
	}

	wg.Wait()
	assert.Equal(t, 4+8, store.Snapshot().EdgeCount())
}

func TestFileSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph", "relations.json")

	store, err := Open(ctx, NewFileSnapshotStore(path))
	require.NoError(t, err)
	require.NoError(t, store.AddRelation(ctx, retailRelations()))
	require.NoError(t, store.AddTable(ctx, "orders", map[string]string{"schema": "sales"}))

	reopened, err := Open(ctx, NewFileSnapshotStore(path))
	require.NoError(t, err)

	assert.Equal(t, store.Snapshot().Snapshot(), reopened.Snapshot().Snapshot())

	hops, err := reopened.GetRelations(ctx, []string{"orders", "regions"})
	require.NoError(t, err)
	assert.Len(t, hops, 2)
	assert.Equal(t, "sales", hops[0].SourceNodeAttributes["schema"])

	// no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileSnapshotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relations.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Open(context.Background(), NewFileSnapshotStore(path))
	assert.Error(t, err)
}

func TestRemoveRelation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, retailRelations())

	require.NoError(t, store.RemoveRelation(ctx, "Customers", "orders"))

	_, err := store.GetRelations(ctx, []string{"orders", "regions"})
	assert.True(t, errors.IsType(err, errors.ErrTypeUnreachable))

	err = store.RemoveRelation(ctx, "orders", "customers")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestWriteDOT(t *testing.T) {
	store := newStore(t, []types.Relation{
		{SourceTable: "orders", TargetTable: "customers", JoinKeys: key("cust_id", "id")},
	})

	var buf bytes.Buffer
	require.NoError(t, store.Snapshot().WriteDOT(&buf))

	out := buf.String()
	assert.Contains(t, out, "graph relations {")
	assert.Contains(t, out, `"orders" -- "customers" [label="cust_id = id"];`)
}

func TestLoadRelationsFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "relations.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
relations:
  - source_table: orders
    target_table: customers
    join_keys:
      - {source_column: cust_id, target_column: id}
`), 0600))

	jsonPath := filepath.Join(dir, "relations.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"relations": [
		{"source_table": "customers", "target_table": "regions",
		 "join_keys": [{"source_column": "region_id", "target_column": "id"}]}
	]}`), 0600))

	fromYAML, err := LoadRelationsFile(yamlPath)
	require.NoError(t, err)
	require.Len(t, fromYAML, 1)
	assert.Equal(t, key("cust_id", "id"), fromYAML[0].JoinKeys)

	fromJSON, err := LoadRelationsFile(jsonPath)
	require.NoError(t, err)
	require.Len(t, fromJSON, 1)
	assert.Equal(t, "regions", fromJSON[0].TargetTable)
}
