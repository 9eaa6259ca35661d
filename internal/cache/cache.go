package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Cache is a durable byte store with per-entry expiry
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Cleanup(ctx context.Context) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Stats represents cache statistics
type Stats struct {
	Backend      string  `json:"backend"`
	TotalEntries int64   `json:"total_entries"`
	TotalSize    int64   `json:"total_size"`
	HitRate      float64 `json:"hit_rate"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
}

// counters tracks hits and misses without holding the entry lock
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) fill(s *Stats) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()

	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
}

func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// fileEntry is the on-disk envelope of one cached value
type fileEntry struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Data      []byte    `json:"data"`
}

const entrySuffix = ".entry"

// FileCache stores one JSON envelope per key in a directory. Entries are
// written to a temp file and renamed into place.
type FileCache struct {
	directory   string
	maxBytes    int64
	defaultTTL  time.Duration
	cleanupFreq time.Duration
	mu          sync.RWMutex
	counters    counters
	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// NewFileCache creates a new file-based cache. A positive cleanupFreq starts
// a background goroutine that drops expired entries until Close.
func NewFileCache(directory string, maxSizeMB int, defaultTTL, cleanupFreq time.Duration) (*FileCache, error) {
	if strings.HasPrefix(directory, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}

		directory = filepath.Join(home, directory[2:])
	}

	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &FileCache{
		directory:   directory,
		maxBytes:    int64(maxSizeMB) * 1024 * 1024,
		defaultTTL:  defaultTTL,
		cleanupFreq: cleanupFreq,
		stopCleanup: make(chan struct{}),
	}

	if cleanupFreq > 0 {
		go c.backgroundCleanup()
	}

	return c, nil
}

// Get retrieves data from cache
func (c *FileCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	entry, err := c.read(c.entryPath(key))
	c.mu.RUnlock()

	switch {
	case os.IsNotExist(err):
		c.counters.misses.Add(1)
		return nil, ErrMiss
	case err != nil:
		c.counters.misses.Add(1)
		return nil, err
	case entry.Key != key:
		// hash prefix collision
		c.counters.misses.Add(1)
		return nil, ErrMiss
	case !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt):
		c.counters.misses.Add(1)
		_ = c.Delete(ctx, key)

		return nil, ErrMiss
	}

	c.counters.hits.Add(1)

	return entry.Data, nil
}

// Set stores data in cache with TTL; zero uses the default TTL and a
// negative TTL stores the entry without expiry
func (c *FileCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	entry := fileEntry{Key: key, CreatedAt: now, Data: data}

	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enforceSize(int64(len(encoded))); err != nil {
		return fmt.Errorf("failed to enforce cache size: %w", err)
	}

	tmp, err := os.CreateTemp(c.directory, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache entry: %w", err)
	}

	if err := os.Rename(tmpName, c.entryPath(key)); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return nil
}

// Delete removes an entry from cache
func (c *FileCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}

	return nil
}

// Clear removes all entries from cache
func (c *FileCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	names, err := c.entryNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		_ = os.Remove(filepath.Join(c.directory, name))
	}

	c.counters.reset()

	return nil
}

// Cleanup removes expired entries
func (c *FileCache) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	names, err := c.entryNames()
	if err != nil {
		return err
	}

	now := time.Now()

	for _, name := range names {
		path := filepath.Join(c.directory, name)

		entry, err := c.read(path)
		if err != nil {
			// unreadable entries are dropped too
			_ = os.Remove(path)
			continue
		}

		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			_ = os.Remove(path)
		}
	}

	return nil
}

// GetStats returns cache statistics
func (c *FileCache) GetStats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	infos, err := c.entryInfos()
	if err != nil {
		return nil, err
	}

	stats := &Stats{Backend: "file", TotalEntries: int64(len(infos))}
	for _, info := range infos {
		stats.TotalSize += info.size
	}

	c.counters.fill(stats)

	return stats, nil
}

// Close stops the background cleanup goroutine
func (c *FileCache) Close() error {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
	})

	return nil
}

func (c *FileCache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.directory, hex.EncodeToString(sum[:16])+entrySuffix)
}

func (c *FileCache) read(path string) (*fileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache entry %s: %w", filepath.Base(path), err)
	}

	return &entry, nil
}

func (c *FileCache) entryNames() ([]string, error) {
	entries, err := os.ReadDir(c.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), entrySuffix) {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}

type entryInfo struct {
	name    string
	modTime time.Time
	size    int64
}

func (c *FileCache) entryInfos() ([]entryInfo, error) {
	names, err := c.entryNames()
	if err != nil {
		return nil, err
	}

	infos := make([]entryInfo, 0, len(names))

	for _, name := range names {
		info, err := os.Stat(filepath.Join(c.directory, name))
		if err != nil {
			continue
		}

		infos = append(infos, entryInfo{name: name, modTime: info.ModTime(), size: info.Size()})
	}

	return infos, nil
}

// enforceSize evicts the oldest entries until newEntrySize fits.
// Callers hold the write lock.
func (c *FileCache) enforceSize(newEntrySize int64) error {
	if c.maxBytes <= 0 {
		return nil
	}

	infos, err := c.entryInfos()
	if err != nil {
		return err
	}

	var current int64
	for _, info := range infos {
		current += info.size
	}

	if current+newEntrySize <= c.maxBytes {
		return nil
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].modTime.Before(infos[j].modTime)
	})

	spaceNeeded := current + newEntrySize - c.maxBytes

	var freed int64

	for _, info := range infos {
		if freed >= spaceNeeded {
			break
		}

		_ = os.Remove(filepath.Join(c.directory, info.name))
		freed += info.size
	}

	return nil
}

func (c *FileCache) backgroundCleanup() {
	ticker := time.NewTicker(c.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.Cleanup(context.Background())
		case <-c.stopCleanup:
			return
		}
	}
}
