package dictionary

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/kyleking/sqlcontext/internal/storage"
)

// Row is one column of the exported dictionary. Tables without columns are
// exported as a single row with an empty column name.
type Row struct {
	TableName        string `parquet:"table_name"`
	TableDescription string `parquet:"table_description"`
	Source           string `parquet:"source"`
	ColumnName       string `parquet:"column_name"`
	DataType         string `parquet:"data_type"`
	Constraints      string `parquet:"constraints"`
	LogicKind        string `parquet:"logic_kind"`
	DerivationLogic  string `parquet:"derivation_logic"`
	BaseTable        string `parquet:"base_table"`
	Description      string `parquet:"description"`
}

// Rows flattens the repository into export rows ordered by table then column
func Rows(ctx context.Context, repo storage.Repository) ([]Row, error) {
	tables, err := repo.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	var rows []Row

	for _, t := range tables {
		cols, err := repo.GetColumnMetadata(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load columns of %s: %w", t.Name, err)
		}

		tableRow := Row{TableName: t.Name, TableDescription: t.Description, Source: t.Source}
		if len(cols) == 0 {
			rows = append(rows, tableRow)
			continue
		}

		for _, c := range cols {
			r := tableRow
			r.ColumnName = c.Name
			r.DataType = c.DataType
			r.Constraints = strings.Join(c.Constraints, ", ")
			r.LogicKind = string(c.LogicKind)
			r.DerivationLogic = c.DerivationLogic
			r.BaseTable = c.BaseTable
			r.Description = c.Description
			rows = append(rows, r)
		}
	}

	return rows, nil
}

// ExportParquet writes every stored table and column to w and returns the
// number of rows written
func ExportParquet(ctx context.Context, repo storage.Repository, w io.Writer) (int, error) {
	rows, err := Rows(ctx, repo)
	if err != nil {
		return 0, err
	}

	writer := parquet.NewGenericWriter[Row](w)
	if _, err := writer.Write(rows); err != nil {
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}

	return len(rows), nil
}
