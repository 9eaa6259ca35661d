package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createEntriesSQL = `CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

// SQLiteCache keeps entries in a single sqlite database file
type SQLiteCache struct {
	db         *sql.DB
	maxBytes   int64
	defaultTTL time.Duration
	counters   counters
}

// NewSQLiteCache opens (or creates) the cache database at path
func NewSQLiteCache(ctx context.Context, path string, maxSizeMB int, defaultTTL time.Duration) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		createEntriesSQL,
		"CREATE INDEX IF NOT EXISTS idx_cache_entries_created ON cache_entries(created_at)",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize cache database: %w", err)
		}
	}

	return &SQLiteCache{
		db:         db,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		defaultTTL: defaultTTL,
	}, nil
}

// Get retrieves data from cache
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt int64
	)

	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.counters.misses.Add(1)
		return nil, ErrMiss
	}

	if err != nil {
		c.counters.misses.Add(1)
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		c.counters.misses.Add(1)
		_ = c.Delete(ctx, key)

		return nil, ErrMiss
	}

	c.counters.hits.Add(1)

	return value, nil
}

// Set stores data in cache with TTL; zero uses the default TTL and a
// negative TTL stores the entry without expiry
func (c *SQLiteCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()

	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, size, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		key, data, len(data), now.UnixNano(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	if err := c.evict(ctx, tx); err != nil {
		return err
	}

	return tx.Commit()
}

// evict drops the oldest entries while the total size exceeds the limit
func (c *SQLiteCache) evict(ctx context.Context, tx *sql.Tx) error {
	if c.maxBytes <= 0 {
		return nil
	}

	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&total); err != nil {
		return fmt.Errorf("failed to measure cache: %w", err)
	}

	for total > c.maxBytes {
		var (
			key  string
			size int64
		)

		err := tx.QueryRowContext(ctx,
			`SELECT key, size FROM cache_entries ORDER BY created_at ASC, key ASC LIMIT 1`,
		).Scan(&key, &size)
		if err != nil {
			return fmt.Errorf("failed to select eviction candidate: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to evict cache entry: %w", err)
		}

		total -= size
	}

	return nil
}

// Delete removes an entry from cache
func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}

	return nil
}

// Clear removes all entries from cache
func (c *SQLiteCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	c.counters.reset()

	return nil
}

// Cleanup removes expired entries
func (c *SQLiteCache) Cleanup(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at < ?`, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to clean up cache: %w", err)
	}

	return nil
}

// GetStats returns cache statistics
func (c *SQLiteCache) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Backend: "sqlite"}

	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`,
	).Scan(&stats.TotalEntries, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	c.counters.fill(stats)

	return stats, nil
}

// Close closes the database
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
