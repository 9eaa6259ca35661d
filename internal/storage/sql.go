package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/marcboeker/go-duckdb" // DuckDB driver

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/retry"
	"github.com/kyleking/sqlcontext/internal/types"
)

const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"

	metadataMigrationTable = "schema_migrations"
	retryService           = "metadata_store"
)

// Options tune an SQLRepository
type Options struct {
	Driver       string
	QueryTimeout time.Duration
	Retry        retry.Policy
}

// SQLRepository implements Repository on database/sql. Queries use $n
// placeholders understood by both DuckDB and PostgreSQL.
type SQLRepository struct {
	db   *sql.DB
	opts Options
}

// NewDuckDBRepository opens (or creates) a DuckDB database file
func NewDuckDBRepository(dbPath string, opts Options) (*SQLRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, errors.ErrTypeFileSystem, "failed to create database directory")
		}
	}

	db, err := sql.Open(DriverDuckDB, dbPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to ping database")
	}

	opts.Driver = DriverDuckDB

	return NewSQLRepository(db, opts), nil
}

// NewPostgresRepository connects through pgx's database/sql driver
func NewPostgresRepository(dsn string, opts Options) (*SQLRepository, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeDatabase, "failed to open database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewUpstreamError(err, "postgres")
	}

	opts.Driver = DriverPostgres

	return NewSQLRepository(db, opts), nil
}

// NewSQLRepository wraps an already opened database
func NewSQLRepository(db *sql.DB, opts Options) *SQLRepository {
	if opts.Retry.Attempts < 1 {
		opts.Retry = retry.DefaultPolicy
	}

	return &SQLRepository{db: db, opts: opts}
}

// DB exposes the pool for callers sharing the same database file
func (r *SQLRepository) DB() *sql.DB { return r.db }

// Migrations returns the manager of the metadata schema
func (r *SQLRepository) Migrations() *MigrationManager {
	return NewMigrationManager(r.db, metadataMigrationTable, MetadataMigrations())
}

// Initialize creates the database schema using migrations
func (r *SQLRepository) Initialize(ctx context.Context) error {
	if err := r.Migrations().MigrateUp(ctx); err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to migrate metadata schema")
	}

	return nil
}

func (r *SQLRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, r.opts.QueryTimeout)
}

// read runs an idempotent query with retries; the final failure is an
// upstream error
func (r *SQLRepository) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.opts.Retry, retryService, func(ctx context.Context) error {
		qctx, cancel := r.withTimeout(ctx)
		defer cancel()

		return fn(qctx)
	})
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(err, op)
	}

	return errors.NewUpstreamError(fmt.Errorf("%s: %w", op, err), retryService)
}

// GetTableDescription returns "" for unknown tables
func (r *SQLRepository) GetTableDescription(ctx context.Context, table string) (string, error) {
	name := types.NormalizeTableName(table)
	if name == "" {
		return "", errors.NewValidationError("table name is required")
	}

	var description string

	err := r.read(ctx, "get table description", func(ctx context.Context) error {
		err := r.db.QueryRowContext(ctx,
			`SELECT description FROM table_metadata WHERE table_name = $1`, name,
		).Scan(&description)
		if stderrors.Is(err, sql.ErrNoRows) {
			description = ""
			return nil
		}

		return err
	})
	if err != nil {
		return "", err
	}

	return description, nil
}

// GetColumnMetadata returns columns in stored ordinal order; unknown tables
// yield an empty slice
func (r *SQLRepository) GetColumnMetadata(ctx context.Context, table string) ([]types.ColumnDescriptor, error) {
	name := types.NormalizeTableName(table)
	if name == "" {
		return nil, errors.NewValidationError("table name is required")
	}

	var columns []types.ColumnDescriptor

	err := r.read(ctx, "get column metadata", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT column_name, data_type, constraints, derivation_logic, logic_kind, base_table, description
			FROM column_metadata
			WHERE table_name = $1
			ORDER BY ordinal, column_name`, name)
		if err != nil {
			return err
		}
		defer rows.Close()

		columns = columns[:0]

		for rows.Next() {
			var (
				col             types.ColumnDescriptor
				constraintsJSON string
				kind            string
			)

			if err := rows.Scan(&col.Name, &col.DataType, &constraintsJSON, &col.DerivationLogic,
				&kind, &col.BaseTable, &col.Description); err != nil {
				return fmt.Errorf("failed to scan column: %w", err)
			}

			if err := json.Unmarshal([]byte(constraintsJSON), &col.Constraints); err != nil {
				return retry.Permanent(fmt.Errorf("failed to decode constraints of %s.%s: %w", name, col.Name, err))
			}

			col.LogicKind = types.LogicKind(kind)
			columns = append(columns, col)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	if columns == nil {
		columns = []types.ColumnDescriptor{}
	}

	return columns, nil
}

// PutTableDescription upserts a table description
func (r *SQLRepository) PutTableDescription(ctx context.Context, table, description, source string) error {
	name := types.NormalizeTableName(table)
	if name == "" {
		return errors.NewValidationError("table name is required")
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO table_metadata (table_name, description, source, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (table_name) DO UPDATE SET
			description = excluded.description,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		name, description, source)
	if err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to store description of %s", name)
	}

	return nil
}

// PutColumnMetadata replaces the column set of a table in one transaction:
// listed columns are upserted, others removed. Column order is the slice order.
func (r *SQLRepository) PutColumnMetadata(ctx context.Context, table string, columns []types.ColumnDescriptor) error {
	name := types.NormalizeTableName(table)
	if name == "" {
		return errors.NewValidationError("table name is required")
	}

	seen := make(map[string]bool, len(columns))

	for _, col := range columns {
		if err := col.Validate(); err != nil {
			return errors.NewValidationError("table %s: %v", name, err)
		}

		if seen[col.Name] {
			return errors.NewValidationError("table %s: duplicate column %s", name, col.Name)
		}

		seen[col.Name] = true
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to begin transaction")
	}

	defer func() { _ = tx.Rollback() }()

	// the table row anchors ListTables even when only columns are known
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO table_metadata (table_name, description, updated_at)
		VALUES ($1, '', CURRENT_TIMESTAMP)
		ON CONFLICT (table_name) DO NOTHING`, name); err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to register table %s", name)
	}

	// drop columns missing from the new set first; deleting and re-inserting
	// the same key inside one transaction trips DuckDB's constraint checks
	stale, args := staleColumnsQuery(name, columns)
	if _, err := tx.ExecContext(ctx, stale, args...); err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to clear columns of %s", name)
	}

	for i, col := range columns {
		constraints := col.Constraints
		if constraints == nil {
			constraints = []string{}
		}

		constraintsJSON, err := json.Marshal(constraints)
		if err != nil {
			return fmt.Errorf("failed to encode constraints: %w", err)
		}

		kind, _ := types.ParseLogicKind(string(col.LogicKind))

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO column_metadata (
				table_name, column_name, ordinal, data_type, constraints,
				derivation_logic, logic_kind, base_table, description, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
			ON CONFLICT (table_name, column_name) DO UPDATE SET
				ordinal = excluded.ordinal,
				data_type = excluded.data_type,
				constraints = excluded.constraints,
				derivation_logic = excluded.derivation_logic,
				logic_kind = excluded.logic_kind,
				base_table = excluded.base_table,
				description = excluded.description,
				updated_at = excluded.updated_at`,
			name, col.Name, i, col.DataType, string(constraintsJSON),
			col.DerivationLogic, string(kind), col.BaseTable, col.Description,
		); err != nil {
			return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to store column %s.%s", name, col.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to commit columns")
	}

	return nil
}

// DeleteTable removes a table and its columns; unknown tables are a no-op
func (r *SQLRepository) DeleteTable(ctx context.Context, table string) error {
	name := types.NormalizeTableName(table)

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to begin transaction")
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM column_metadata WHERE table_name = $1`, name); err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to delete columns of %s", name)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM table_metadata WHERE table_name = $1`, name); err != nil {
		return errors.Wrapf(err, errors.ErrTypeDatabase, "failed to delete table %s", name)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrTypeDatabase, "failed to commit delete")
	}

	return nil
}

// ListTables returns every known table ordered by name
func (r *SQLRepository) ListTables(ctx context.Context) ([]TableRecord, error) {
	var tables []TableRecord

	err := r.read(ctx, "list tables", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT t.table_name, t.description, COALESCE(t.source, ''), t.updated_at,
				(SELECT COUNT(*) FROM column_metadata c WHERE c.table_name = t.table_name)
			FROM table_metadata t
			ORDER BY t.table_name`)
		if err != nil {
			return err
		}
		defer rows.Close()

		tables = tables[:0]

		for rows.Next() {
			var (
				rec       TableRecord
				updatedAt sql.NullTime
			)

			if err := rows.Scan(&rec.Name, &rec.Description, &rec.Source, &updatedAt, &rec.ColumnCount); err != nil {
				return fmt.Errorf("failed to scan table: %w", err)
			}

			rec.UpdatedAt = updatedAt.Time
			tables = append(tables, rec)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return tables, nil
}

// GetStats returns database statistics
func (r *SQLRepository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Driver: r.opts.Driver}

	err := r.read(ctx, "get stats", func(ctx context.Context) error {
		queries := []struct {
			sql  string
			dest *int
		}{
			{`SELECT COUNT(*) FROM table_metadata`, &stats.TotalTables},
			{`SELECT COUNT(*) FROM column_metadata`, &stats.TotalColumns},
			{`SELECT COUNT(*) FROM column_metadata WHERE logic_kind = 'derived'`, &stats.DerivedColumn},
			{`SELECT COUNT(*) FROM table_metadata WHERE description = ''`, &stats.Undescribed},
			{`SELECT COALESCE(MAX(version), 0) FROM ` + metadataMigrationTable, &stats.SchemaVersion},
		}

		for _, q := range queries {
			if err := r.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
				return fmt.Errorf("failed to run %q: %w", q.sql, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func staleColumnsQuery(table string, keep []types.ColumnDescriptor) (string, []interface{}) {
	args := []interface{}{table}
	if len(keep) == 0 {
		return `DELETE FROM column_metadata WHERE table_name = $1`, args
	}

	placeholders := make([]string, len(keep))
	for i, col := range keep {
		args = append(args, col.Name)
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}

	return fmt.Sprintf(`DELETE FROM column_metadata WHERE table_name = $1 AND column_name NOT IN (%s)`,
		strings.Join(placeholders, ", ")), args
}

// Close closes the database pool
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
