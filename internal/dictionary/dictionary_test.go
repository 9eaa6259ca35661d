package dictionary

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/cache"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/storage"
	"github.com/kyleking/sqlcontext/internal/testutil"
	"github.com/kyleking/sqlcontext/internal/types"
)

const campaignsJSON = `{
  "tableName": "Campaigns",
  "tableDesc": "<p>Marketing <b>campaigns</b> and their budgets</p>",
  "records": [
    {"TableName": "Campaigns", "ColumnName": "campaign_id", "DataType": "INTEGER",
     "Constraints": "PRIMARY KEY, NOT NULL", "logic": "", "type_of_logic": "direct",
     "base_table": "campaigns_raw", "Desc": "Campaign identifier"},
    {"TableName": "Campaigns", "ColumnName": "daily_budget", "DataType": "DECIMAL(10,2)",
     "Constraints": "", "logic": "total_budget / days", "type_of_logic": "Derived",
     "base_table": "campaigns_raw", "Desc": "Budget per day"}
  ]
}`

const campaignsYAML = `tableName: campaigns
tableDesc: Marketing campaigns and their budgets
records:
  - TableName: campaigns
    ColumnName: campaign_id
    DataType: INTEGER
    Constraints: PRIMARY KEY
    logic: ""
    type_of_logic: direct
    base_table: campaigns_raw
    Desc: Campaign identifier
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(campaignsJSON), FormatJSON)
	require.NoError(t, err)

	desc, err := doc.Description()
	require.NoError(t, err)
	assert.Equal(t, "Marketing **campaigns** and their budgets", desc)

	cols, err := doc.Columns()
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, []string{"PRIMARY KEY", "NOT NULL"}, cols[0].Constraints)
	assert.Equal(t, types.LogicDirect, cols[0].LogicKind)
	assert.Equal(t, types.LogicDerived, cols[1].LogicKind)
	assert.Equal(t, "total_budget / days", cols[1].DerivationLogic)
	assert.Equal(t, []string{}, cols[1].Constraints)

	yamlDoc, err := Parse([]byte(campaignsYAML), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "campaigns", yamlDoc.TableName)
	assert.Len(t, yamlDoc.Records, 1)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing table name", `{"tableDesc": "x", "records": []}`},
		{"missing records", `{"tableName": "t"}`},
		{"missing column name", `{"tableName": "t", "records": [{"DataType": "INT"}]}`},
		{"missing data type", `{"tableName": "t", "records": [{"ColumnName": "a"}]}`},
		{"record for another table", `{"tableName": "t", "records": [{"TableName": "u", "ColumnName": "a", "DataType": "INT"}]}`},
		{"unknown logic kind", `{"tableName": "t", "records": [{"ColumnName": "a", "DataType": "INT", "type_of_logic": "magic"}]}`},
		{"duplicate column", `{"tableName": "t", "records": [{"ColumnName": "a", "DataType": "INT"}, {"ColumnName": "A", "DataType": "INT"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), FormatJSON)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeValidation), "got %v", err)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("dd/Orders.YML"))
	assert.Equal(t, FormatYAML, FormatFromPath("orders.yaml"))
	assert.Equal(t, FormatJSON, FormatFromPath("orders.JSON"))
	assert.Equal(t, FormatJSON, FormatFromPath("orders"))
}

type recordingIndexer struct {
	indexed map[string]string
	err     error
}

func (r *recordingIndexer) Index(_ context.Context, table, description string, _ map[string]string) error {
	if r.err != nil {
		return r.err
	}

	if r.indexed == nil {
		r.indexed = map[string]string{}
	}

	r.indexed[table] = description

	return nil
}

func TestImporter_ImportFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "campaigns.json")
	require.NoError(t, os.WriteFile(path, []byte(campaignsJSON), 0o600))

	repo := testutil.NewMockRepository()
	idx := &recordingIndexer{}

	doc, err := NewImporter(repo, idx).ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "Campaigns", doc.TableName)

	desc, err := repo.GetTableDescription(ctx, "campaigns")
	require.NoError(t, err)
	assert.Equal(t, "Marketing **campaigns** and their budgets", desc)

	cols, err := repo.GetColumnMetadata(ctx, "CAMPAIGNS")
	require.NoError(t, err)
	assert.Len(t, cols, 2)

	assert.Equal(t, desc, idx.indexed["campaigns"])

	tables, err := repo.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, storage.SourceDictionary, tables[0].Source)
}

func TestImporter_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		_, err := NewImporter(testutil.NewMockRepository(), nil).ImportFile(ctx, filepath.Join(t.TempDir(), "nope.json"))
		assert.True(t, errors.IsType(err, errors.ErrTypeFileSystem))
	})

	t.Run("repository failure", func(t *testing.T) {
		repo := testutil.NewMockRepository()
		repo.Injector().InjectError("PutColumnMetadata", stderrors.New("disk full"))

		doc, err := Parse([]byte(campaignsYAML), FormatYAML)
		require.NoError(t, err)

		err = NewImporter(repo, nil).Import(ctx, doc, storage.SourceManual)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("index failure", func(t *testing.T) {
		doc, err := Parse([]byte(campaignsYAML), FormatYAML)
		require.NoError(t, err)

		err = NewImporter(testutil.NewMockRepository(), &recordingIndexer{err: stderrors.New("embedder down")}).
			Import(ctx, doc, storage.SourceManual)
		assert.ErrorContains(t, err, "embedder down")
	})
}

func baseTables() *testutil.MockRepository {
	return testutil.NewMockRepository(
		testutil.NewTable("campaigns_raw",
			testutil.WithDescription("Raw campaign feed"),
			testutil.WithColumns(
				testutil.NewColumn("campaign_id", "Identifier assigned by the ad server"),
				testutil.NewColumn("total_budget", "Budget for the whole flight"),
				testutil.NewColumn("days", "Length of the flight in days"),
				testutil.NewColumn("owner", "Account manager"),
			)),
	)
}

func TestGenerator_Generate(t *testing.T) {
	ctx := context.Background()
	gen := testutil.NewMockGenerator().
		On("Column metadata", "Average spend allowed per day").
		On("Data dictionary", "One row per marketing campaign.")

	result, err := NewGenerator(baseTables(), gen, nil).Generate(ctx, GenerateRequest{
		Table: "Campaigns",
		Columns: []types.ColumnDescriptor{
			testutil.NewColumn("campaign_id", "", testutil.WithBaseTable("campaigns_raw")),
			testutil.NewColumn("daily_budget", "", testutil.Derived("total_budget / days", "campaigns_raw")),
			testutil.NewColumn("notes", "Free text", testutil.WithBaseTable("campaigns_raw")),
		},
		SampleInsert: "INSERT INTO campaigns VALUES (1, 10.5, 'x');",
	})
	require.NoError(t, err)

	assert.Equal(t, "campaigns", result.Table)
	assert.Equal(t, "One row per marketing campaign.", result.Description)
	require.Len(t, result.Columns, 3)
	assert.Equal(t, "Identifier assigned by the ad server", result.Columns[0].Description)
	assert.Equal(t, "Average spend allowed per day", result.Columns[1].Description)
	// no base column of that name, keep what we were given
	assert.Equal(t, "Free text", result.Columns[2].Description)

	prompts := gen.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "-> campaigns_raw.days : Length of the flight in days")
	assert.Contains(t, prompts[0], "-> campaigns_raw.total_budget : Budget for the whole flight")
	assert.NotContains(t, prompts[0], "owner")
	assert.Contains(t, prompts[1], "INSERT INTO campaigns")

	doc := result.Document()
	require.NoError(t, doc.Validate())
	assert.Equal(t, "derived", doc.Records[1].LogicKind)
}

func TestGenerator_MemoizesLLMCalls(t *testing.T) {
	ctx := context.Background()

	c, err := cache.NewFileCache(t.TempDir(), 10, time.Hour, 0)
	require.NoError(t, err)
	defer c.Close()

	gen := testutil.NewMockGenerator().On("Data dictionary", "summary")
	g := NewGenerator(baseTables(), gen, cache.NewMemoizer(c, time.Hour))
	req := GenerateRequest{
		Table:   "campaigns",
		Columns: []types.ColumnDescriptor{testutil.NewColumn("daily_budget", "", testutil.Derived("total_budget / days", "campaigns_raw"))},
	}

	for range 3 {
		_, err := g.Generate(ctx, req)
		require.NoError(t, err)
	}

	assert.Len(t, gen.Prompts(), 2)
}

func TestGenerator_LLMFailure(t *testing.T) {
	gen := testutil.NewMockGenerator().FailWith(errors.NewUpstreamError(stderrors.New("503"), "openai"))

	_, err := NewGenerator(baseTables(), gen, nil).Generate(context.Background(), GenerateRequest{Table: "campaigns"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
}

func TestExportParquet(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMockRepository(testutil.RetailTables()...)

	var buf bytes.Buffer
	n, err := ExportParquet(ctx, repo, &buf)
	require.NoError(t, err)

	// 3 + 2 + 2 + 1 columns plus one row for the column-less audit_log
	assert.Equal(t, 9, n)

	reader := parquet.NewGenericReader[Row](bytes.NewReader(buf.Bytes()))
	defer func() { _ = reader.Close() }()

	rows := make([]Row, n)
	count, err := reader.Read(rows)
	if err != nil && !stderrors.Is(err, io.EOF) {
		require.NoError(t, err)
	}

	require.Equal(t, n, count)
	assert.Equal(t, "audit_log", rows[0].TableName)
	assert.Empty(t, rows[0].ColumnName)
	assert.Equal(t, "customers", rows[1].TableName)
	assert.Equal(t, "Customer accounts with contact details and home region", rows[1].TableDescription)

	var derived Row
	for _, r := range rows {
		if r.ColumnName == "net_total" {
			derived = r
		}
	}

	assert.Equal(t, "derived", derived.LogicKind)
	assert.Equal(t, "gross_total - discount", derived.DerivationLogic)
}
