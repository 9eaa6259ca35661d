package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogicKind(t *testing.T) {
	tests := []struct {
		input   string
		want    LogicKind
		wantErr bool
	}{
		{"direct", LogicDirect, false},
		{"Derived", LogicDerived, false},
		{"", LogicDirect, false},
		{"computed", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogicKind(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTablePairOrdering(t *testing.T) {
	assert.Equal(t, TablePair{A: "customers", B: "orders"}, NewTablePair("Orders", " customers "))
	assert.Equal(t, NewTablePair("a", "b"), NewTablePair("b", "a"))
	assert.Equal(t, "customers<->orders", NewTablePair("orders", "customers").String())
}

func TestColumnBaseTables(t *testing.T) {
	col := ColumnDescriptor{Name: "total", BaseTable: "Orders, order_items,"}
	assert.Equal(t, []string{"orders", "order_items"}, col.BaseTables())
}

func TestColumnValidate(t *testing.T) {
	assert.NoError(t, ColumnDescriptor{Name: "id", LogicKind: LogicDirect}.Validate())
	assert.Error(t, ColumnDescriptor{Name: "", LogicKind: LogicDirect}.Validate())
	assert.Error(t, ColumnDescriptor{Name: "id", LogicKind: "weird"}.Validate())
}

func TestContextResultInvariants(t *testing.T) {
	result := NewContextResult("orders by region")
	result.TableList.Direct["orders"] = NewTableDescriptor("orders")
	result.TableList.Direct["regions"] = NewTableDescriptor("regions")
	result.TableList.Intermediate["customers"] = NewTableDescriptor("customers")
	result.JoinKeys = []RelationHop{
		{Source: "orders", Target: "customers"},
		{Source: "customers", Target: "regions"},
	}

	require.NoError(t, result.CheckInvariants())
	assert.Equal(t, []string{"orders", "regions", "customers"}, result.TableNames())
	assert.False(t, result.Degraded())

	result.TableList.Intermediate["orders"] = NewTableDescriptor("orders")
	assert.Error(t, result.CheckInvariants())

	delete(result.TableList.Intermediate, "orders")
	result.JoinKeys = append(result.JoinKeys, RelationHop{Source: "regions", Target: "countries"})
	assert.Error(t, result.CheckInvariants())
}

func TestWithColumns(t *testing.T) {
	table := NewTableDescriptor("Orders").WithColumns([]ColumnDescriptor{
		{Name: "id", DataType: "INTEGER"},
		{Name: "cust_id", DataType: "INTEGER"},
	})

	assert.Equal(t, "orders", table.Name)
	assert.Len(t, table.Columns, 2)
	assert.Equal(t, "INTEGER", table.Columns["cust_id"].DataType)
}
