package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/graph"
	"github.com/kyleking/sqlcontext/internal/types"
)

// TableOption is a functional option for configuring test tables
type TableOption func(*types.TableDescriptor)

// WithDescription sets the table description
func WithDescription(desc string) TableOption {
	return func(t *types.TableDescriptor) {
		t.Description = desc
	}
}

// WithColumns adds columns to the table
func WithColumns(cols ...types.ColumnDescriptor) TableOption {
	return func(t *types.TableDescriptor) {
		for _, c := range cols {
			t.Columns[c.Name] = c
		}
	}
}

// NewTable builds a table descriptor
func NewTable(name string, opts ...TableOption) types.TableDescriptor {
	t := types.NewTableDescriptor(name)
	for _, opt := range opts {
		opt(&t)
	}

	return t
}

// ColumnOption is a functional option for configuring test columns
type ColumnOption func(*types.ColumnDescriptor)

// WithType sets the column data type
func WithType(dataType string) ColumnOption {
	return func(c *types.ColumnDescriptor) {
		c.DataType = dataType
	}
}

// WithConstraints sets the column constraints
func WithConstraints(constraints ...string) ColumnOption {
	return func(c *types.ColumnDescriptor) {
		c.Constraints = constraints
	}
}

// WithBaseTable sets the base table of a direct column
func WithBaseTable(table string) ColumnOption {
	return func(c *types.ColumnDescriptor) {
		c.BaseTable = table
	}
}

// Derived marks the column as derived from base via logic
func Derived(logic, base string) ColumnOption {
	return func(c *types.ColumnDescriptor) {
		c.LogicKind = types.LogicDerived
		c.DerivationLogic = logic
		c.BaseTable = base
	}
}

// NewColumn builds a direct column with a description
func NewColumn(name, description string, opts ...ColumnOption) types.ColumnDescriptor {
	c := types.ColumnDescriptor{
		Name:        name,
		DataType:    "INTEGER",
		Constraints: []string{},
		LogicKind:   types.LogicDirect,
		Description: description,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return c
}

// RetailTables is the shared fixture: orders, customers, regions, products
// and a table that joins to nothing
func RetailTables() []types.TableDescriptor {
	return []types.TableDescriptor{
		NewTable("orders",
			WithDescription("One row per customer order with totals and order dates"),
			WithColumns(
				NewColumn("order_id", "Order identifier", WithConstraints("PRIMARY KEY")),
				NewColumn("cust_id", "Customer placing the order", WithConstraints("FOREIGN KEY")),
				NewColumn("net_total", "Total after discounts", WithType("DECIMAL(12,2)"),
					Derived("gross_total - discount", "orders")),
			)),
		NewTable("customers",
			WithDescription("Customer accounts with contact details and home region"),
			WithColumns(
				NewColumn("id", "Customer identifier", WithConstraints("PRIMARY KEY")),
				NewColumn("region_id", "Region the customer lives in"),
			)),
		NewTable("regions",
			WithDescription("Sales regions and their country"),
			WithColumns(
				NewColumn("id", "Region identifier", WithConstraints("PRIMARY KEY")),
				NewColumn("name", "Region name", WithType("VARCHAR")),
			)),
		NewTable("products",
			WithDescription("Product catalogue with list prices"),
			WithColumns(NewColumn("sku", "Stock keeping unit", WithType("VARCHAR"))),
		),
		NewTable("audit_log",
			WithDescription("Application audit events unrelated to sales"),
		),
	}
}

// RetailRelations connects orders to regions through customers
func RetailRelations() []types.Relation {
	return []types.Relation{
		{SourceTable: "orders", TargetTable: "customers",
			JoinKeys: []types.JoinKey{{SourceColumn: "cust_id", TargetColumn: "id"}}},
		{SourceTable: "customers", TargetTable: "regions",
			JoinKeys: []types.JoinKey{{SourceColumn: "region_id", TargetColumn: "id"}}},
	}
}

// NewGraphStore opens an in-memory graph store holding relations
func NewGraphStore(t *testing.T, relations []types.Relation) *graph.Store {
	t.Helper()

	ctx := context.Background()

	store, err := graph.Open(ctx, &graph.MemorySnapshotStore{})
	require.NoError(t, err)

	if len(relations) > 0 {
		require.NoError(t, store.AddRelation(ctx, relations))
	}

	return store
}
