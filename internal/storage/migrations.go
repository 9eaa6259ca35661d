package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/kyleking/sqlcontext/internal/logging"
)

// Migration represents a database migration. Statements run one at a time
// so drivers without multi-statement support can apply them.
type Migration struct {
	Version     int
	Description string
	Up          []string
	Down        []string
}

// MigrationManager handles database schema migrations for one migration set
type MigrationManager struct {
	db         *sql.DB
	table      string
	migrations []Migration
}

// NewMigrationManager creates a manager that records applied versions in table
func NewMigrationManager(db *sql.DB, table string, migrations []Migration) *MigrationManager {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	return &MigrationManager{db: db, table: table, migrations: sorted}
}

// MetadataMigrations returns the metadata repository schema history
func MetadataMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Table and column metadata",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS table_metadata (
					table_name VARCHAR PRIMARY KEY,
					description TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS column_metadata (
					table_name VARCHAR NOT NULL,
					column_name VARCHAR NOT NULL,
					ordinal INTEGER NOT NULL,
					data_type VARCHAR NOT NULL DEFAULT '',
					constraints TEXT NOT NULL DEFAULT '[]',
					derivation_logic TEXT NOT NULL DEFAULT '',
					logic_kind VARCHAR NOT NULL DEFAULT 'direct',
					base_table VARCHAR NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (table_name, column_name)
				)`,
			},
			Down: []string{
				`DROP TABLE IF EXISTS column_metadata`,
				`DROP TABLE IF EXISTS table_metadata`,
			},
		},
		{
			Version:     2,
			Description: "Table metadata source tracking",
			Up: []string{
				`ALTER TABLE table_metadata ADD COLUMN IF NOT EXISTS source VARCHAR DEFAULT ''`,
			},
			Down: []string{
				`ALTER TABLE table_metadata DROP COLUMN IF EXISTS source`,
			},
		},
	}
}

// InitializeMigrationTable creates the migration tracking table
func (m *MigrationManager) InitializeMigrationTable(ctx context.Context) error {
	createTableSQL := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		version INTEGER PRIMARY KEY,
		description VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`, m.table)

	if _, err := m.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	return nil
}

// GetAppliedMigrations returns a list of applied migration versions
func (m *MigrationManager) GetAppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", m.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}

		versions = append(versions, version)
	}

	return versions, rows.Err()
}

// ApplyMigration applies a single migration inside a transaction
func (m *MigrationManager) ApplyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migration.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", m.table),
		migration.Version, migration.Description)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RollbackMigration rolls back a single migration
func (m *MigrationManager) RollbackMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migration.Down {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.table), migration.Version)
	if err != nil {
		return fmt.Errorf("failed to remove migration record %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// MigrateUp applies all pending migrations
func (m *MigrationManager) MigrateUp(ctx context.Context) error {
	if err := m.InitializeMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.appliedSet(ctx)
	if err != nil {
		return err
	}

	logger := logging.FromContext(ctx)

	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}

		logger.Infof("Applying migration %d (%s): %s", migration.Version, m.table, migration.Description)

		if err := m.ApplyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// MigrateDown rolls back migrations newer than targetVersion
func (m *MigrationManager) MigrateDown(ctx context.Context, targetVersion int) error {
	appliedVersions, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	byVersion := make(map[int]Migration, len(m.migrations))
	for _, migration := range m.migrations {
		byVersion[migration.Version] = migration
	}

	sort.Sort(sort.Reverse(sort.IntSlice(appliedVersions)))

	for _, version := range appliedVersions {
		if version <= targetVersion {
			break
		}

		migration, exists := byVersion[version]
		if !exists {
			return fmt.Errorf("migration %d not found", version)
		}

		logging.FromContext(ctx).Infof("Rolling back migration %d (%s): %s", version, m.table, migration.Description)

		if err := m.RollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", version, err)
		}
	}

	return nil
}

// GetMigrationStatus reports every known migration and when it was applied
func (m *MigrationManager) GetMigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.InitializeMigrationTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s", m.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[int]time.Time)

	for rows.Next() {
		var (
			version int
			at      sql.NullTime
		)

		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration status: %w", err)
		}

		appliedAt[version] = at.Time
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	status := make([]MigrationStatus, 0, len(m.migrations))

	for _, migration := range m.migrations {
		at, applied := appliedAt[migration.Version]
		status = append(status, MigrationStatus{
			Version:     migration.Version,
			Description: migration.Description,
			Applied:     applied,
			AppliedAt:   at,
		})
	}

	return status, nil
}

func (m *MigrationManager) appliedSet(ctx context.Context) (map[int]bool, error) {
	versions, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	return applied, nil
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	Applied     bool      `json:"applied"`
	AppliedAt   time.Time `json:"applied_at,omitempty"`
}
