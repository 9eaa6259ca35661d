package relations

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

const script = `
CREATE TABLE customers (id INTEGER PRIMARY KEY, region_id INTEGER REFERENCES regions (id));

SELECT o.order_id
FROM orders o
JOIN customers c ON o.cust_id = c.id;
`

func TestExtractor_Heuristic(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewGraphStore(t, nil)

	e, err := NewExtractor(ModeHeuristic, nil, nil, store)
	require.NoError(t, err)

	rels, err := e.ExtractAndAdd(ctx, script)
	require.NoError(t, err)
	require.Len(t, rels, 2)

	hops, err := store.GetRelations(ctx, []string{"orders", "regions"})
	require.NoError(t, err)
	assert.Len(t, hops, 2)
}

func TestExtractor_HeuristicQueryOnly(t *testing.T) {
	e, err := NewExtractor(ModeHeuristic, nil, nil, testutil.NewGraphStore(t, nil))
	require.NoError(t, err)

	rels, err := e.Extract(context.Background(), "SELECT * FROM a JOIN b ON a.b_id = b.id")
	require.NoError(t, err)
	assert.Equal(t, []types.Relation{{SourceTable: "a", TargetTable: "b",
		JoinKeys: []types.JoinKey{{SourceColumn: "b_id", TargetColumn: "id"}}}}, rels)
}

func TestExtractor_LLM(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewGraphStore(t, nil)
	gen := testutil.NewMockGenerator().On("SQL:", "```json\n"+
		`[{"source_table": "orders", "target_table": "customers", "join_keys": [{"source_column": "cust_id", "target_column": "id"}]}]`+
		"\n```")

	e, err := NewExtractor(ModeLLM, gen, nil, store)
	require.NoError(t, err)

	rels, err := e.ExtractAndAdd(ctx, script)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Contains(t, gen.Prompts()[0], "JOIN customers c ON o.cust_id = c.id")

	keys, ok := store.Snapshot().JoinKeys("customers", "orders")
	require.True(t, ok)
	assert.Equal(t, []types.JoinKey{{SourceColumn: "id", TargetColumn: "cust_id"}}, keys)
}

func TestExtractor_NothingFoundLeavesGraphAlone(t *testing.T) {
	store := testutil.NewGraphStore(t, nil)
	gen := testutil.NewMockGenerator().On("SQL:", "[]")

	e, err := NewExtractor(ModeLLM, gen, nil, store)
	require.NoError(t, err)

	rels, err := e.ExtractAndAdd(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Empty(t, rels)
	assert.Equal(t, 0, store.Snapshot().EdgeCount())
}

func TestExtractor_Errors(t *testing.T) {
	t.Run("llm mode without provider", func(t *testing.T) {
		_, err := NewExtractor(ModeLLM, nil, nil, nil)
		assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := NewExtractor("magic", nil, nil, nil)
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("empty sql", func(t *testing.T) {
		e, err := NewExtractor(ModeHeuristic, nil, nil, nil)
		require.NoError(t, err)

		_, err = e.Extract(context.Background(), "  ")
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("llm failure", func(t *testing.T) {
		gen := testutil.NewMockGenerator().FailWith(errors.NewUpstreamError(stderrors.New("500"), "openai"))

		e, err := NewExtractor(ModeLLM, gen, nil, testutil.NewGraphStore(t, nil))
		require.NoError(t, err)

		_, err = e.ExtractAndAdd(context.Background(), script)
		assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
	})
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    int
		wantErr bool
	}{
		{"bare array", `[{"source_table":"a","target_table":"b","join_keys":[{"source_column":"x","target_column":"y"}]}]`, 1, false},
		{"wrapped object", `{"relations":[{"source_table":"a","target_table":"b","join_keys":[{"source_column":"x","target_column":"y"}]}]}`, 1, false},
		{"fenced without language", "Here you go:\n```\n[]\n```", 0, false},
		{"drops incomplete entries", `[{"source_table":"a","target_table":"","join_keys":[{"source_column":"x","target_column":"y"}]},
			{"source_table":"a","target_table":"b","join_keys":[{"source_column":"","target_column":"y"}]},
			{"source_table":"a","target_table":"A","join_keys":[{"source_column":"x","target_column":"y"}]}]`, 0, false},
		{"prose", "I could not find any relations.", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rels, err := ParseReply(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))

				return
			}

			require.NoError(t, err)
			assert.Len(t, rels, tt.want)
		})
	}
}
