package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/testutil"
	"github.com/kyleking/sqlcontext/internal/types"
)

func TestParseRelationArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    types.Relation
		wantErr bool
	}{
		{
			name: "single key",
			args: []string{"orders", "customers", "cust_id=id"},
			want: types.Relation{SourceTable: "orders", TargetTable: "customers",
				JoinKeys: []types.JoinKey{{SourceColumn: "cust_id", TargetColumn: "id"}}},
		},
		{
			name: "composite key with spaces",
			args: []string{"order_items", "orders", "order_id = id", "region=region"},
			want: types.Relation{SourceTable: "order_items", TargetTable: "orders",
				JoinKeys: []types.JoinKey{
					{SourceColumn: "order_id", TargetColumn: "id"},
					{SourceColumn: "region", TargetColumn: "region"},
				}},
		},
		{name: "missing keys", args: []string{"orders", "customers"}, wantErr: true},
		{name: "no separator", args: []string{"orders", "customers", "cust_id"}, wantErr: true},
		{name: "empty side", args: []string{"orders", "customers", "cust_id="}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRelationArgs(tt.args)
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunRelationsPath(t *testing.T) {
	store := testutil.NewGraphStore(t, testutil.RetailRelations())

	t.Run("connected tables", func(t *testing.T) {
		var out bytes.Buffer

		require.NoError(t, runRelationsPath(context.Background(), &out, store, []string{"orders", "regions"}))

		assert.Contains(t, out.String(), "orders -> customers  ON orders.cust_id = customers.id")
		assert.Contains(t, out.String(), "customers -> regions  ON customers.region_id = regions.id")
		assert.NotContains(t, out.String(), "warning")
	})

	t.Run("unreachable table is a warning", func(t *testing.T) {
		var out bytes.Buffer

		require.NoError(t, runRelationsPath(context.Background(), &out, store, []string{"orders", "regions", "audit_log"}))

		assert.Contains(t, out.String(), "orders -> customers")
		assert.Contains(t, out.String(), "no join path between audit_log and orders")
		assert.Contains(t, out.String(), "no join path between audit_log and regions")
	})

	t.Run("no tables", func(t *testing.T) {
		err := runRelationsPath(context.Background(), &bytes.Buffer{}, store, nil)
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})
}

func TestPrintRelations(t *testing.T) {
	var out bytes.Buffer

	printRelations(&out, testutil.RetailRelations())
	assert.Equal(t, "orders customers cust_id=id\ncustomers regions region_id=id\n", out.String())

	out.Reset()
	printRelations(&out, nil)
	assert.Equal(t, "No relations found.\n", out.String())
}
