package storage

import (
	"context"
	"time"

	"github.com/kyleking/sqlcontext/internal/types"
)

// Repository stores table descriptions and column metadata keyed by
// normalized table name. Lookups of unknown tables return empty values, not
// errors.
type Repository interface {
	Initialize(ctx context.Context) error
	GetTableDescription(ctx context.Context, table string) (string, error)
	GetColumnMetadata(ctx context.Context, table string) ([]types.ColumnDescriptor, error)
	PutTableDescription(ctx context.Context, table, description, source string) error
	PutColumnMetadata(ctx context.Context, table string, columns []types.ColumnDescriptor) error
	DeleteTable(ctx context.Context, table string) error
	ListTables(ctx context.Context) ([]TableRecord, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Description sources recorded alongside table descriptions
const (
	SourceManual     = "manual"
	SourceDictionary = "dictionary"
	SourceGenerated  = "generated"
	SourceDDL        = "ddl"
)

// TableRecord is one row of ListTables
type TableRecord struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
	ColumnCount int       `json:"column_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stats represents database statistics
type Stats struct {
	Driver        string `json:"driver"`
	TotalTables   int    `json:"total_tables"`
	TotalColumns  int    `json:"total_columns"`
	DerivedColumn int    `json:"derived_columns"`
	Undescribed   int    `json:"undescribed_tables"`
	SchemaVersion int    `json:"schema_version"`
}
