package resolver

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/testutil"
	"github.com/kyleking/sqlcontext/internal/types"
)

func direct(names ...string) map[string]types.TableDescriptor {
	out := make(map[string]types.TableDescriptor, len(names))
	for _, n := range names {
		out[n] = types.NewTableDescriptor(n)
	}

	return out
}

func TestResolve_IntermediateTable(t *testing.T) {
	repo := testutil.NewMockRepository(testutil.RetailTables()...)
	r := New(testutil.NewGraphStore(t, testutil.RetailRelations()), repo)

	res, err := r.Resolve(context.Background(), direct("orders", "regions"))
	require.NoError(t, err)

	require.Len(t, res.Intermediate, 1)
	customers, ok := res.Intermediate["customers"]
	require.True(t, ok)
	assert.Equal(t, "Customer accounts with contact details and home region", customers.Description)
	assert.NotNil(t, customers.Columns)
	assert.Empty(t, customers.Columns)

	require.Len(t, res.Hops, 2)
	assert.Equal(t, "orders", res.Hops[0].Source)
	assert.Equal(t, "customers", res.Hops[0].Target)
	assert.Equal(t, []types.JoinKey{{SourceColumn: "cust_id", TargetColumn: "id"}}, res.Hops[0].EdgeAttributes.JoinKeys)
	assert.Equal(t, "customers", res.Hops[1].Source)
	assert.Equal(t, "regions", res.Hops[1].Target)
	assert.Empty(t, res.Unresolved)
}

func TestResolve_SingleTableNeedsNoGraph(t *testing.T) {
	r := New(nil, nil)

	for _, d := range []map[string]types.TableDescriptor{direct(), direct("orders")} {
		res, err := r.Resolve(context.Background(), d)
		require.NoError(t, err)
		assert.Empty(t, res.Intermediate)
		assert.NotNil(t, res.Hops)
		assert.Empty(t, res.Hops)
	}
}

func TestResolve_DirectTablesJoinedDirectly(t *testing.T) {
	repo := testutil.NewMockRepository()
	r := New(testutil.NewGraphStore(t, testutil.RetailRelations()), repo)

	res, err := r.Resolve(context.Background(), direct("orders", "customers", "regions"))
	require.NoError(t, err)
	assert.Empty(t, res.Intermediate)
	assert.Len(t, res.Hops, 2)
}

func TestResolve_UnreachablePairIsPartial(t *testing.T) {
	repo := testutil.NewMockRepository(testutil.RetailTables()...)
	r := New(testutil.NewGraphStore(t, testutil.RetailRelations()), repo)

	res, err := r.Resolve(context.Background(), direct("orders", "regions", "audit_log"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUnreachable))

	require.NotNil(t, res)
	assert.Contains(t, res.Unresolved, types.NewTablePair("audit_log", "orders"))
	assert.Contains(t, res.Unresolved, types.NewTablePair("audit_log", "regions"))
	assert.Len(t, res.Unresolved, 2)

	// the connected pair is still resolved
	assert.Contains(t, res.Intermediate, "customers")
	assert.Len(t, res.Hops, 2)
}

func TestResolve_MissingDescriptionIsEmptyString(t *testing.T) {
	repo := testutil.NewMockRepository()
	r := New(testutil.NewGraphStore(t, testutil.RetailRelations()), repo)

	res, err := r.Resolve(context.Background(), direct("orders", "regions"))
	require.NoError(t, err)
	assert.Equal(t, "", res.Intermediate["customers"].Description)
}

func TestResolve_RepositoryFailureAborts(t *testing.T) {
	repo := testutil.NewMockRepository()
	repo.Injector().InjectError("GetTableDescription:customers", stderrors.New("connection reset"))
	r := New(testutil.NewGraphStore(t, testutil.RetailRelations()), repo)

	res, err := r.Resolve(context.Background(), direct("orders", "regions"))
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestResolve_DeterministicAcrossInputOrder(t *testing.T) {
	// diamond: a-b-d and a-c-d are both shortest
	relations := []types.Relation{
		{SourceTable: "a", TargetTable: "c", JoinKeys: []types.JoinKey{{SourceColumn: "c_id", TargetColumn: "id"}}},
		{SourceTable: "a", TargetTable: "b", JoinKeys: []types.JoinKey{{SourceColumn: "b_id", TargetColumn: "id"}}},
		{SourceTable: "c", TargetTable: "d", JoinKeys: []types.JoinKey{{SourceColumn: "d_id", TargetColumn: "id"}}},
		{SourceTable: "b", TargetTable: "d", JoinKeys: []types.JoinKey{{SourceColumn: "d_id", TargetColumn: "id"}}},
	}
	r := New(testutil.NewGraphStore(t, relations), testutil.NewMockRepository())

	first, err := r.Resolve(context.Background(), direct("d", "a"))
	require.NoError(t, err)

	for range 10 {
		again, err := r.Resolve(context.Background(), direct("a", "D"))
		require.NoError(t, err)
		assert.Equal(t, first.Hops, again.Hops)
		assert.Equal(t, first.Intermediate, again.Intermediate)
	}

	assert.Len(t, first.Intermediate, 1)
}
