package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/assembler"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/testutil"
	"github.com/kyleking/sqlcontext/internal/types"
)

type fakeAssembler struct {
	result *types.ContextResult
	trace  *assembler.Trace
	err    error

	tables []string
}

func (f *fakeAssembler) AssembleWithTrace(_ context.Context, _ string) (*types.ContextResult, *assembler.Trace, error) {
	return f.result, f.trace, f.err
}

func (f *fakeAssembler) AssembleTables(_ context.Context, _ string, tables []string) (*types.ContextResult, error) {
	f.tables = tables
	return f.result, f.err
}

func salesResult() *types.ContextResult {
	tables := testutil.RetailTables()

	return &types.ContextResult{
		UserQuery: "total sales per region",
		TableList: types.TableList{
			Direct:       map[string]types.TableDescriptor{"orders": tables[0], "regions": tables[2]},
			Intermediate: map[string]types.TableDescriptor{"customers": tables[1]},
		},
		JoinKeys: []types.RelationHop{
			{Source: "orders", Target: "customers", EdgeAttributes: types.EdgeAttributes{
				JoinKeys: []types.JoinKey{{SourceColumn: "cust_id", TargetColumn: "id"}}}},
			{Source: "customers", Target: "regions", EdgeAttributes: types.EdgeAttributes{
				JoinKeys: []types.JoinKey{{SourceColumn: "region_id", TargetColumn: "id"}}}},
		},
	}
}

func TestRunContext(t *testing.T) {
	trace := &assembler.Trace{
		Candidates: []types.ScoredCandidate{
			{RetrievedCandidate: types.RetrievedCandidate{TableName: "orders", Distance: 0.12},
				Scores: types.Scores{RerankerScore: 0.91, KeywordScore: 2.5}},
		},
	}

	tests := []struct {
		name        string
		opts        contextOptions
		contains    []string
		notContains []string
	}{
		{
			name:     "text",
			opts:     contextOptions{Question: "total sales per region", Format: "text"},
			contains: []string{"Direct tables (2)", "Intermediate tables (1)", "orders.cust_id = customers.id", "net_total"},
		},
		{
			name:        "short",
			opts:        contextOptions{Question: "q", Format: "short"},
			contains:    []string{"orders (One row per customer order with totals and order dates)  3 cols", "Joins (2)"},
			notContains: []string{"net_total"},
		},
		{
			name:        "text without trace",
			opts:        contextOptions{Question: "q", Format: "text"},
			notContains: []string{"Candidates"},
		},
		{
			name:     "text with trace",
			opts:     contextOptions{Question: "q", Format: "text", Trace: true},
			contains: []string{"Candidates (1)", "1. orders", "reranker=0.910"},
		},
		{
			name:     "json with trace",
			opts:     contextOptions{Question: "q", Format: "json", Trace: true},
			contains: []string{`"trace"`, `"reranker_score": 0.91`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, diag bytes.Buffer

			asm := &fakeAssembler{result: salesResult(), trace: trace}
			require.NoError(t, runContext(context.Background(), &out, &diag, asm, tt.opts))

			for _, s := range tt.contains {
				assert.Contains(t, out.String(), s)
			}

			for _, s := range tt.notContains {
				assert.NotContains(t, out.String(), s)
			}

			assert.Empty(t, diag.String())
		})
	}
}

func TestRunContext_JSONShape(t *testing.T) {
	var out, diag bytes.Buffer

	asm := &fakeAssembler{result: salesResult()}
	require.NoError(t, runContext(context.Background(), &out, &diag, asm, contextOptions{Question: "q", Format: "json"}))

	var decoded types.ContextResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))

	assert.Equal(t, "total sales per region", decoded.UserQuery)
	assert.Equal(t, []string{"orders", "regions", "customers"}, decoded.TableNames())
	assert.Len(t, decoded.JoinKeys, 2)
	assert.NotContains(t, out.String(), "trace")
}

func TestRunContext_DegradedResult(t *testing.T) {
	result := salesResult()
	result.UnresolvedPairs = []types.TablePair{types.NewTablePair("audit_log", "orders")}

	asm := &fakeAssembler{
		result: result,
		err:    errors.New(errors.ErrTypeUnreachable, "1 table pair(s) cannot be joined"),
	}

	var out, diag bytes.Buffer

	require.NoError(t, runContext(context.Background(), &out, &diag, asm, contextOptions{Question: "q", Format: "json"}))

	assert.Contains(t, out.String(), "unresolved_pairs")
	assert.Contains(t, diag.String(), "no join path for")
	assert.Contains(t, diag.String(), "audit_log")
}

func TestRunContext_Errors(t *testing.T) {
	t.Run("invalid format", func(t *testing.T) {
		err := runContext(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, &fakeAssembler{},
			contextOptions{Question: "q", Format: "yaml"})
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("assembler failure", func(t *testing.T) {
		asm := &fakeAssembler{err: errors.New(errors.ErrTypeUpstream, "reranker unavailable")}

		var out bytes.Buffer

		err := runContext(context.Background(), &out, &bytes.Buffer{}, asm, contextOptions{Question: "q", Format: "json"})
		assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
		assert.Empty(t, out.String())
	})

	t.Run("nothing selected", func(t *testing.T) {
		asm := &fakeAssembler{result: &types.ContextResult{UserQuery: "q"}}

		var diag bytes.Buffer

		require.NoError(t, runContext(context.Background(), &bytes.Buffer{}, &diag, asm, contextOptions{Question: "q", Format: "text"}))
		assert.Contains(t, diag.String(), "no table passed the selection policy")
	})
}

func TestRunContext_ExplicitTables(t *testing.T) {
	asm := &fakeAssembler{result: salesResult()}

	opts := contextOptions{Question: "q", Format: "text", Tables: splitList([]string{"orders,regions"})}
	require.NoError(t, runContext(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, asm, opts))

	assert.Equal(t, []string{"orders", "regions"}, asm.tables)
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, nil},
		{"repeated flags", []string{"orders", "regions"}, []string{"orders", "regions"}},
		{"comma separated", []string{"orders, regions,,customers"}, []string{"orders", "regions", "customers"}},
		{"blank", []string{" ", ","}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitList(tt.in))
		})
	}
}
