package assembler

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/embedding"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/resolver"
	"github.com/kyleking/sqlcontext/internal/retriever"
	"github.com/kyleking/sqlcontext/internal/scoring"
	"github.com/kyleking/sqlcontext/internal/testutil"
	"github.com/kyleking/sqlcontext/internal/types"
)

type fakeRetriever struct {
	candidates []types.RetrievedCandidate
	delay      time.Duration
	err        error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, _ string, topK int) ([]types.RetrievedCandidate, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.err != nil {
		return nil, f.err
	}

	out := f.candidates
	if len(out) > topK {
		out = out[:topK]
	}

	return out, nil
}

func (f *fakeRetriever) Index(context.Context, string, string, map[string]string) error { return nil }

func (f *fakeRetriever) Remove(context.Context, string) error { return nil }

// fakeScorer looks scores up by the table name on the first line of the candidate text
type fakeScorer map[string]types.Scores

func (f fakeScorer) Score(_ context.Context, _ string, text string) (types.Scores, error) {
	first, _, _ := strings.Cut(text, "\n")
	return f[strings.ReplaceAll(first, " ", "_")], nil
}

func candidatesFor(names ...string) []types.RetrievedCandidate {
	out := make([]types.RetrievedCandidate, len(names))
	for i, n := range names {
		out[i] = types.RetrievedCandidate{TableName: n, Description: "indexed " + n, Distance: float64(i) / 10}
	}

	return out
}

func threshold(v float64) *float64 { return &v }

func newAssembler(t *testing.T, r retriever.Retriever, s CandidateScorer) *Assembler {
	t.Helper()

	repo := testutil.NewMockRepository(testutil.RetailTables()...)
	res := resolver.New(testutil.NewGraphStore(t, testutil.RetailRelations()), repo)

	return New(r, s, res, repo, Options{
		TopK:   testutil.TestTopK,
		Policy: SelectionPolicy{MinRerankerScore: threshold(0.5), Mode: ModeAny},
	})
}

func TestAssemble_OrdersAndRegionsPullInCustomers(t *testing.T) {
	a := newAssembler(t,
		&fakeRetriever{candidates: candidatesFor("orders", "products", "regions")},
		fakeScorer{"orders": {RerankerScore: 0.9}, "regions": {RerankerScore: 0.8}, "products": {RerankerScore: 0.1}},
	)

	result, err := a.Assemble(context.Background(), "revenue by region")
	require.NoError(t, err)

	assert.Equal(t, "revenue by region", result.UserQuery)
	assert.ElementsMatch(t, []string{"orders", "regions"}, keys(result.TableList.Direct))
	assert.Equal(t, []string{"customers"}, keys(result.TableList.Intermediate))

	require.Len(t, result.JoinKeys, 2)
	assert.Equal(t, types.NewTablePair("orders", "customers"), types.NewTablePair(result.JoinKeys[0].Source, result.JoinKeys[0].Target))
	assert.Equal(t, types.NewTablePair("customers", "regions"), types.NewTablePair(result.JoinKeys[1].Source, result.JoinKeys[1].Target))

	// repository description wins over the indexed text; columns are attached everywhere
	assert.Equal(t, "One row per customer order with totals and order dates", result.TableList.Direct["orders"].Description)
	assert.Len(t, result.TableList.Direct["orders"].Columns, 3)
	assert.Equal(t, "Customer accounts with contact details and home region", result.TableList.Intermediate["customers"].Description)
	assert.Len(t, result.TableList.Intermediate["customers"].Columns, 2)

	assert.False(t, result.Degraded())
	require.NoError(t, result.CheckInvariants())
}

func TestAssemble_SingleDirectTable(t *testing.T) {
	a := newAssembler(t,
		&fakeRetriever{candidates: candidatesFor("orders", "regions")},
		fakeScorer{"orders": {RerankerScore: 0.9}},
	)

	result, err := a.Assemble(context.Background(), "how many orders")
	require.NoError(t, err)

	assert.Equal(t, []string{"orders"}, keys(result.TableList.Direct))
	assert.Empty(t, result.TableList.Intermediate)
	assert.NotNil(t, result.JoinKeys)
	assert.Empty(t, result.JoinKeys)
}

func TestAssemble_UnreachablePairDegrades(t *testing.T) {
	a := newAssembler(t,
		&fakeRetriever{candidates: candidatesFor("orders", "audit_log")},
		fakeScorer{"orders": {RerankerScore: 0.9}, "audit_log": {RerankerScore: 0.7}},
	)

	result, err := a.Assemble(context.Background(), "orders with audit events")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUnreachable))

	require.NotNil(t, result)
	assert.True(t, result.Degraded())
	assert.Equal(t, []types.TablePair{types.NewTablePair("orders", "audit_log")}, result.UnresolvedPairs)
	assert.Len(t, result.TableList.Direct, 2)
	assert.Empty(t, result.JoinKeys)
	require.NoError(t, result.CheckInvariants())
}

func TestAssemble_NothingSelected(t *testing.T) {
	a := newAssembler(t,
		&fakeRetriever{candidates: candidatesFor("orders")},
		fakeScorer{"orders": {RerankerScore: 0.1}},
	)

	result, err := a.Assemble(context.Background(), "weather tomorrow")
	require.NoError(t, err)
	assert.Empty(t, result.TableList.Direct)
	assert.Empty(t, result.TableList.Intermediate)
}

func TestAssemble_Errors(t *testing.T) {
	t.Run("empty query", func(t *testing.T) {
		a := newAssembler(t, &fakeRetriever{}, fakeScorer{})

		_, err := a.Assemble(context.Background(), " \n")
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("upstream failure aborts", func(t *testing.T) {
		a := newAssembler(t, &fakeRetriever{err: errors.NewUpstreamError(stderrors.New("refused"), "vector_store")}, fakeScorer{})

		result, err := a.Assemble(context.Background(), "orders")
		assert.Nil(t, result)
		assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
	})

	t.Run("request deadline", func(t *testing.T) {
		a := newAssembler(t, &fakeRetriever{delay: time.Second}, fakeScorer{})
		a.opts.RequestTimeout = 20 * time.Millisecond

		result, err := a.Assemble(context.Background(), "orders")
		assert.Nil(t, result)
		assert.True(t, errors.IsType(err, errors.ErrTypeTimeout), "got %v", err)
	})
}

func TestAssembleTables_DirectAndIntermediateAreDisjoint(t *testing.T) {
	a := newAssembler(t, &fakeRetriever{}, fakeScorer{})
	names := []string{"orders", "customers", "regions", "products"}

	// every non-empty subset of the fixture
	for mask := 1; mask < 1<<len(names); mask++ {
		var tables []string

		for i, n := range names {
			if mask&(1<<i) != 0 {
				tables = append(tables, n)
			}
		}

		t.Run(fmt.Sprint(tables), func(t *testing.T) {
			result, err := a.AssembleTables(context.Background(), "q", tables)
			if err != nil {
				require.True(t, errors.IsType(err, errors.ErrTypeUnreachable), "got %v", err)
			}

			require.NotNil(t, result)

			for name := range result.TableList.Intermediate {
				assert.NotContains(t, result.TableList.Direct, name)
			}

			require.NoError(t, result.CheckInvariants())
		})
	}
}

func TestAssemble_EndToEndWithRealComponents(t *testing.T) {
	ctx := context.Background()
	provider := embedding.NewHashProvider(testutil.TestDimensions)
	repo := testutil.NewMockRepository(testutil.RetailTables()...)
	ret := retriever.New(testutil.NewMockVectorStore(), provider, retriever.Options{Collection: testutil.TestCollection})

	for _, table := range testutil.RetailTables() {
		require.NoError(t, ret.Index(ctx, table.Name, table.Description, nil))
	}

	a := New(ret,
		scoring.New(scoring.NewEmbeddingReranker(provider), nil),
		resolver.New(testutil.NewGraphStore(t, testutil.RetailRelations()), repo),
		repo,
		Options{TopK: 3, Policy: SelectionPolicy{MinKeywordScore: threshold(0)}},
	)

	result, trace, err := a.AssembleWithTrace(ctx, "customer orders")
	require.NoError(t, err)

	assert.Len(t, trace.Candidates, 3)
	assert.Contains(t, result.TableList.Direct, "orders")
	require.NoError(t, result.CheckInvariants())

	for _, table := range result.TableList.Direct {
		assert.NotNil(t, table.Columns)
	}
}

func TestAssemble_ConcurrentRequestsDoNotShareState(t *testing.T) {
	a := newAssembler(t,
		&fakeRetriever{candidates: candidatesFor("orders", "regions")},
		fakeScorer{"orders": {RerankerScore: 0.9}, "regions": {RerankerScore: 0.8}},
	)

	testutil.RunConcurrent(t, 16, func(worker int) {
		query := fmt.Sprintf("query %d", worker)

		result, err := a.Assemble(context.Background(), query)
		if !assert.NoError(t, err) {
			return
		}

		assert.Equal(t, query, result.UserQuery)
		assert.Len(t, result.TableList.Intermediate, 1)

		// mutating one result must not leak into another
		delete(result.TableList.Direct, "orders")
	})
}

func keys(m map[string]types.TableDescriptor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}
