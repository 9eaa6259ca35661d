// Package ddl reads table definitions and join relations out of SQL text
// without a database. Statements go through the PostgreSQL grammar first;
// CREATE TABLE statements it rejects are read by a tolerant tokenizer so
// DuckDB, MySQL and SQLite schemas still load.
package ddl

import (
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/types"
)

// Table is one parsed CREATE TABLE statement
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

// Column is one column definition
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	NotNull    bool
	Unique     bool
	Default    string
}

// ForeignKey links columns of a table to columns of another table
type ForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
}

// Parse extracts every CREATE TABLE statement in sql. Other statements are
// ignored.
func Parse(sql string) ([]Table, error) {
	var tables []Table

	for _, stmt := range splitStatements(sql) {
		if !createTableRe.MatchString(stmt) {
			continue
		}

		t, err := parseCreateTable(stmt)
		if err != nil {
			return nil, err
		}

		tables = append(tables, t)
	}

	if len(tables) == 0 {
		return nil, errors.NewValidationError("no CREATE TABLE statement found")
	}

	return tables, nil
}

func parseCreateTable(stmt string) (Table, error) {
	// the tokenizer keeps the declared type spelling, which the grammar
	// normalizes (BIGINT becomes INT8)
	declared, fallbackErr := parseFallback(stmt)

	stmts, err := parser.Parse(stmt)
	if err != nil {
		return declared, fallbackErr
	}

	for _, s := range stmts {
		if ct, ok := s.AST.(*tree.CreateTable); ok {
			return fromCreateTable(ct, declared)
		}
	}

	return declared, fallbackErr
}

func fromCreateTable(ct *tree.CreateTable, declared Table) (Table, error) {
	t := Table{Name: ct.Table.Table()}
	unique := map[string]bool{}

	spelling := make(map[string]string, len(declared.Columns))
	for _, c := range declared.Columns {
		spelling[strings.ToLower(c.Name)] = c.Type
	}

	for _, def := range ct.Defs {
		switch d := def.(type) {
		case *tree.ColumnTableDef:
			col := Column{
				Name:       string(d.Name),
				PrimaryKey: d.PrimaryKey.IsPrimaryKey,
				NotNull:    d.Nullable.Nullability == tree.NotNull,
				Unique:     d.Unique,
			}

			col.Type = spelling[strings.ToLower(col.Name)]
			if col.Type == "" {
				col.Type = strings.ToUpper(d.Type.SQLString())
			}

			if d.DefaultExpr.Expr != nil {
				col.Default = tree.AsString(d.DefaultExpr.Expr)
			}

			if col.PrimaryKey {
				t.PrimaryKey = append(t.PrimaryKey, col.Name)
			}

			if d.References.Table != nil {
				fk := ForeignKey{Columns: []string{col.Name}, RefTable: d.References.Table.Table()}
				if d.References.Col != "" {
					fk.RefColumns = []string{string(d.References.Col)}
				}

				t.ForeignKeys = append(t.ForeignKeys, fk)
			}

			t.Columns = append(t.Columns, col)
		case *tree.UniqueConstraintTableDef:
			cols := make([]string, len(d.Columns))
			for i, elem := range d.Columns {
				cols[i] = string(elem.Column)
			}

			if d.PrimaryKey {
				t.PrimaryKey = cols
				continue
			}

			for _, c := range cols {
				unique[strings.ToLower(c)] = true
			}
		case *tree.ForeignKeyConstraintTableDef:
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Columns:    nameList(d.FromCols),
				RefTable:   d.Table.Table(),
				RefColumns: nameList(d.ToCols),
			})
		}
	}

	return t, finishTable(&t, unique)
}

// finishTable marks primary key and unique columns and rejects tables
// without columns
func finishTable(t *Table, unique map[string]bool) error {
	pk := map[string]bool{}
	for _, c := range t.PrimaryKey {
		pk[strings.ToLower(c)] = true
	}

	for i := range t.Columns {
		key := strings.ToLower(t.Columns[i].Name)
		if pk[key] {
			t.Columns[i].PrimaryKey = true
			t.Columns[i].NotNull = true
		}

		if unique[key] {
			t.Columns[i].Unique = true
		}
	}

	if len(t.Columns) == 0 {
		return errors.NewValidationError("table %s has no columns", t.Name)
	}

	return nil
}

func nameList(names tree.NameList) []string {
	if len(names) == 0 {
		return nil
	}

	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}

	return out
}

// Descriptors converts the columns to repository column metadata
func (t Table) Descriptors() []types.ColumnDescriptor {
	refs := map[string]string{}

	for _, fk := range t.ForeignKeys {
		for i, c := range fk.Columns {
			target := fk.RefTable
			if i < len(fk.RefColumns) {
				target += "." + fk.RefColumns[i]
			}

			refs[strings.ToLower(c)] = target
		}
	}

	out := make([]types.ColumnDescriptor, 0, len(t.Columns))

	for _, c := range t.Columns {
		constraints := []string{}
		if c.PrimaryKey {
			constraints = append(constraints, "PRIMARY KEY")
		}

		if ref, ok := refs[strings.ToLower(c.Name)]; ok {
			constraints = append(constraints, "FOREIGN KEY REFERENCES "+ref)
		}

		if c.NotNull && !c.PrimaryKey {
			constraints = append(constraints, "NOT NULL")
		}

		if c.Unique {
			constraints = append(constraints, "UNIQUE")
		}

		if c.Default != "" {
			constraints = append(constraints, "DEFAULT "+c.Default)
		}

		out = append(out, types.ColumnDescriptor{
			Name:        c.Name,
			DataType:    c.Type,
			Constraints: constraints,
			LogicKind:   types.LogicDirect,
		})
	}

	return out
}

// Relations turns every foreign key into a relation from t to the referenced
// table. A key without referenced columns joins on the target's primary key,
// which is looked up in tables when present and assumed to be "id" otherwise.
func (t Table) Relations(tables []Table) []types.Relation {
	byName := make(map[string]Table, len(tables))
	for _, other := range tables {
		byName[types.NormalizeTableName(other.Name)] = other
	}

	var out []types.Relation

	for _, fk := range t.ForeignKeys {
		refCols := fk.RefColumns
		if len(refCols) == 0 {
			if target, ok := byName[types.NormalizeTableName(fk.RefTable)]; ok && len(target.PrimaryKey) > 0 {
				refCols = target.PrimaryKey
			} else {
				refCols = []string{"id"}
			}
		}

		rel := types.Relation{SourceTable: t.Name, TargetTable: fk.RefTable}

		for i, c := range fk.Columns {
			if i >= len(refCols) {
				break
			}

			rel.JoinKeys = append(rel.JoinKeys, types.JoinKey{SourceColumn: c, TargetColumn: refCols[i]})
		}

		if len(rel.JoinKeys) > 0 && types.NormalizeTableName(rel.SourceTable) != types.NormalizeTableName(rel.TargetTable) {
			out = append(out, rel)
		}
	}

	return out
}

// ForeignKeyRelations collects the relations of every table
func ForeignKeyRelations(tables []Table) []types.Relation {
	var out []types.Relation
	for _, t := range tables {
		out = append(out, t.Relations(tables)...)
	}

	return out
}
