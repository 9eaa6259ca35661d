package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/kyleking/sqlcontext/internal/cache"
	"github.com/kyleking/sqlcontext/internal/llm"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/types"
)

const (
	columnPromptFunction = "dictionary.Generator.column/v1"
	tablePromptFunction  = "dictionary.Generator.table/v1"
)

const columnPrompt = `You document columns of an analytics warehouse.
Write a short business description of the column below: what it measures and how it is derived.
Answer with the description only.

Column metadata:
%s

Base column descriptions:
%s`

const tablePrompt = `You document tables of an analytics warehouse.
Summarise the table below in two or three sentences: what one row represents, how it is populated and what it is used for.
Answer with the summary only.

Table: %s

Data dictionary:
%s

Sample insert statement:
%s`

// ColumnSource reads the stored columns of base tables
type ColumnSource interface {
	GetColumnMetadata(ctx context.Context, table string) ([]types.ColumnDescriptor, error)
}

// GenerateRequest is a table whose dictionary should be written
type GenerateRequest struct {
	Table        string
	Columns      []types.ColumnDescriptor
	SampleInsert string
}

// Generated is a table description and its described columns
type Generated struct {
	Table       string
	Description string
	Columns     []types.ColumnDescriptor
}

// Document converts the result to a dictionary document
func (g *Generated) Document() *Document {
	return NewDocument(g.Table, g.Description, g.Columns)
}

// Generator writes column and table descriptions. Direct columns copy the
// description of the same column in their base tables; derived columns and
// the table summary are written by the LLM.
type Generator struct {
	columns ColumnSource
	llm     llm.Generator
	memo    *cache.Memoizer
}

// NewGenerator creates a generator. memo may be nil.
func NewGenerator(columns ColumnSource, gen llm.Generator, memo *cache.Memoizer) *Generator {
	return &Generator{columns: columns, llm: gen, memo: memo}
}

// Generate describes every column of req and then the table
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*Generated, error) {
	table := types.NormalizeTableName(req.Table)
	if table == "" {
		return nil, fmt.Errorf("table name is required")
	}

	logger := logging.FromContext(ctx).WithField("table", table)
	base := newBaseIndex(g.columns)
	out := &Generated{Table: table, Columns: make([]types.ColumnDescriptor, 0, len(req.Columns))}

	for _, col := range req.Columns {
		if err := col.Validate(); err != nil {
			return nil, err
		}

		described, err := g.describeColumn(ctx, base, col)
		if err != nil {
			return nil, fmt.Errorf("failed to describe %s.%s: %w", table, col.Name, err)
		}

		out.Columns = append(out.Columns, described)
	}

	dictionary, err := json.MarshalIndent(out.Columns, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal columns: %w", err)
	}

	summary, err := g.complete(ctx, tablePromptFunction,
		fmt.Sprintf(tablePrompt, table, dictionary, orNone(req.SampleInsert)))
	if err != nil {
		return nil, fmt.Errorf("failed to summarise %s: %w", table, err)
	}

	out.Description = summary
	logger.Infof("generated dictionary for %d column(s)", len(out.Columns))

	return out, nil
}

func (g *Generator) describeColumn(ctx context.Context, base *baseIndex, col types.ColumnDescriptor) (types.ColumnDescriptor, error) {
	if col.LogicKind != types.LogicDerived {
		var parts []string

		for _, table := range col.BaseTables() {
			c, ok, err := base.lookup(ctx, table, col.Name)
			if err != nil {
				return col, err
			}

			if ok && c.Description != "" {
				parts = append(parts, c.Description)
			}
		}

		if len(parts) > 0 {
			col.Description = strings.Join(parts, " ")
		}

		return col, nil
	}

	inputs, err := base.inputsOf(ctx, col)
	if err != nil {
		return col, err
	}

	meta, err := json.MarshalIndent(col, "", "  ")
	if err != nil {
		return col, fmt.Errorf("failed to marshal column: %w", err)
	}

	desc, err := g.complete(ctx, columnPromptFunction, fmt.Sprintf(columnPrompt, meta, orNone(strings.Join(inputs, "\n"))))
	if err != nil {
		return col, err
	}

	col.Description = desc

	return col, nil
}

func (g *Generator) complete(ctx context.Context, function, prompt string) (string, error) {
	return cache.Memoize(ctx, g.memo, function, []interface{}{prompt}, func(ctx context.Context) (string, error) {
		reply, err := g.llm.Generate(ctx, prompt)
		if err != nil {
			return "", err
		}

		return strings.TrimSpace(reply), nil
	})
}

// baseIndex loads each base table's columns once per Generate call
type baseIndex struct {
	source ColumnSource
	tables map[string]map[string]types.ColumnDescriptor
}

func newBaseIndex(source ColumnSource) *baseIndex {
	return &baseIndex{source: source, tables: map[string]map[string]types.ColumnDescriptor{}}
}

func (b *baseIndex) load(ctx context.Context, table string) (map[string]types.ColumnDescriptor, error) {
	if cols, ok := b.tables[table]; ok {
		return cols, nil
	}

	list, err := b.source.GetColumnMetadata(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns of %s: %w", table, err)
	}

	cols := make(map[string]types.ColumnDescriptor, len(list))
	for _, c := range list {
		cols[strings.ToLower(c.Name)] = c
	}

	b.tables[table] = cols

	return cols, nil
}

func (b *baseIndex) lookup(ctx context.Context, table, column string) (types.ColumnDescriptor, bool, error) {
	cols, err := b.load(ctx, table)
	if err != nil {
		return types.ColumnDescriptor{}, false, err
	}

	c, ok := cols[strings.ToLower(strings.TrimSpace(column))]

	return c, ok, nil
}

// inputsOf lists "table.column : description" for every base column named in
// the derivation logic or in the column name itself
func (b *baseIndex) inputsOf(ctx context.Context, col types.ColumnDescriptor) ([]string, error) {
	mentioned := map[string]bool{}
	for _, tok := range identifiers(col.DerivationLogic + " " + col.Name) {
		mentioned[tok] = true
	}

	var out []string

	for _, table := range col.BaseTables() {
		cols, err := b.load(ctx, table)
		if err != nil {
			return nil, err
		}

		names := make([]string, 0, len(cols))
		for name := range cols {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			if mentioned[name] {
				out = append(out, fmt.Sprintf("-> %s.%s : %s", table, cols[name].Name, cols[name].Description))
			}
		}
	}

	return out, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}

	return s
}

// identifiers splits SQL text into lower-cased identifier tokens
func identifiers(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
