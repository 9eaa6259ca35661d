package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDuckDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open(DriverDuckDB, filepath.Join(t.TempDir(), "migrations.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func columnExists(t *testing.T, db *sql.DB, table, column string) bool {
	t.Helper()

	var count int

	err := db.QueryRow(`
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = $1 AND column_name = $2`, table, column).Scan(&count)
	require.NoError(t, err)

	return count > 0
}

func TestMigrationManager_UpAndDown(t *testing.T) {
	db := openDuckDB(t)
	ctx := context.Background()
	m := NewMigrationManager(db, "schema_migrations", MetadataMigrations())

	require.NoError(t, m.MigrateUp(ctx))

	versions, err := m.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
	assert.True(t, columnExists(t, db, "table_metadata", "source"))

	// running again applies nothing
	require.NoError(t, m.MigrateUp(ctx))

	require.NoError(t, m.MigrateDown(ctx, 1))
	assert.False(t, columnExists(t, db, "table_metadata", "source"))

	status, err := m.GetMigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.True(t, status[0].Applied)
	assert.False(t, status[1].Applied)

	require.NoError(t, m.MigrateUp(ctx))
	assert.True(t, columnExists(t, db, "table_metadata", "source"))
}

func TestMigrationManager_SortsAndIsolatesTables(t *testing.T) {
	db := openDuckDB(t)
	ctx := context.Background()

	second := Migration{Version: 2, Description: "b", Up: []string{`CREATE TABLE b (id INTEGER)`}, Down: []string{`DROP TABLE b`}}
	first := Migration{Version: 1, Description: "a", Up: []string{`CREATE TABLE a (id INTEGER)`}, Down: []string{`DROP TABLE a`}}

	m := NewMigrationManager(db, "custom_migrations", []Migration{second, first})
	require.NoError(t, m.MigrateUp(ctx))

	status, err := m.GetMigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, 1, status[0].Version)
	assert.Equal(t, "a", status[0].Description)
	assert.False(t, status[0].AppliedAt.IsZero())

	other := NewMigrationManager(db, "other_migrations", MetadataMigrations())
	versions, err := other.GetAppliedMigrations(ctx)
	require.Error(t, err, "tracking table of another set is not created implicitly")
	assert.Empty(t, versions)
}

func TestMigrationManager_FailedMigrationRollsBack(t *testing.T) {
	db := openDuckDB(t)
	ctx := context.Background()

	bad := Migration{Version: 1, Description: "broken", Up: []string{
		`CREATE TABLE half (id INTEGER)`,
		`THIS IS NOT SQL`,
	}}

	m := NewMigrationManager(db, "schema_migrations", []Migration{bad})
	require.Error(t, m.MigrateUp(ctx))

	versions, err := m.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'half'`).Scan(&count))
	assert.Zero(t, count)
}
