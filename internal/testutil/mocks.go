package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kyleking/sqlcontext/internal/embedding"
	"github.com/kyleking/sqlcontext/internal/storage"
	"github.com/kyleking/sqlcontext/internal/types"
	"github.com/kyleking/sqlcontext/internal/vectorstore"
)

// MockVectorStore is an in-memory vectorstore.Store with error injection
type MockVectorStore struct {
	mu sync.Mutex

	docs       map[string]map[string]vectorstore.Document
	injector   *ErrorInjector
	callCounts map[string]int
	delay      time.Duration
}

// MockVectorStoreOption configures a MockVectorStore
type MockVectorStoreOption func(*MockVectorStore)

// WithQueryDelay makes every Query wait d or until the context ends
func WithQueryDelay(d time.Duration) MockVectorStoreOption {
	return func(m *MockVectorStore) {
		m.delay = d
	}
}

// WithInjector routes errors for "Query", "Upsert" and "Delete" through inj
func WithInjector(inj *ErrorInjector) MockVectorStoreOption {
	return func(m *MockVectorStore) {
		m.injector = inj
	}
}

// NewMockVectorStore creates an empty store
func NewMockVectorStore(opts ...MockVectorStoreOption) *MockVectorStore {
	m := &MockVectorStore{
		docs:       make(map[string]map[string]vectorstore.Document),
		injector:   NewErrorInjector(),
		callCounts: make(map[string]int),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *MockVectorStore) count(method string) error {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()

	return m.injector.ShouldError(method)
}

// Initialize does nothing
func (m *MockVectorStore) Initialize(context.Context) error { return nil }

// Query ranks by cosine distance like the DuckDB store
func (m *MockVectorStore) Query(ctx context.Context, emb []float32, collection string, topK int, filters map[string]string) ([]vectorstore.Match, error) {
	if err := m.count("Query"); err != nil {
		return nil, err
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []vectorstore.Match

	for _, d := range m.docs[collection] {
		keep := true
		for k, v := range filters {
			if d.Metadata[k] != v {
				keep = false
			}
		}

		if !keep {
			continue
		}

		out = append(out, vectorstore.Match{
			ID:       d.ID,
			Content:  d.Content,
			Metadata: d.Metadata,
			Distance: 1 - embedding.CosineSimilarity(emb, d.Embedding),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}

		return out[i].ID < out[j].ID
	})

	if len(out) > topK {
		out = out[:topK]
	}

	return out, nil
}

// Upsert stores doc
func (m *MockVectorStore) Upsert(_ context.Context, doc vectorstore.Document, collection string) error {
	if err := m.count("Upsert"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]vectorstore.Document)
	}

	m.docs[collection][doc.ID] = doc

	return nil
}

// Delete removes a document
func (m *MockVectorStore) Delete(_ context.Context, id, collection string) error {
	if err := m.count("Delete"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs[collection], id)

	return nil
}

// Count returns the number of documents in collection
func (m *MockVectorStore) Count(_ context.Context, collection string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.docs[collection]), nil
}

// Close does nothing
func (m *MockVectorStore) Close() error { return nil }

// GetCallCount returns the number of times a method was called
func (m *MockVectorStore) GetCallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.callCounts[method]
}

// MockRepository is an in-memory storage.Repository
type MockRepository struct {
	mu sync.RWMutex

	descriptions map[string]string
	sources      map[string]string
	columns      map[string][]types.ColumnDescriptor
	injector     *ErrorInjector
}

// NewMockRepository creates a repository seeded with tables
func NewMockRepository(tables ...types.TableDescriptor) *MockRepository {
	m := &MockRepository{
		descriptions: make(map[string]string),
		sources:      make(map[string]string),
		columns:      make(map[string][]types.ColumnDescriptor),
		injector:     NewErrorInjector(),
	}

	for _, t := range tables {
		name := types.NormalizeTableName(t.Name)
		m.descriptions[name] = t.Description
		m.sources[name] = storage.SourceManual

		names := make([]string, 0, len(t.Columns))
		for n := range t.Columns {
			names = append(names, n)
		}

		sort.Strings(names)

		for _, n := range names {
			m.columns[name] = append(m.columns[name], t.Columns[n])
		}
	}

	return m
}

// Injector exposes the error injector; keys are method names, optionally
// suffixed with ":" and a table name
func (m *MockRepository) Injector() *ErrorInjector { return m.injector }

func (m *MockRepository) fail(method, table string) error {
	if err := m.injector.ShouldError(method); err != nil {
		return err
	}

	return m.injector.ShouldError(method + ":" + table)
}

// Initialize does nothing
func (m *MockRepository) Initialize(context.Context) error { return nil }

// GetTableDescription returns "" for unknown tables
func (m *MockRepository) GetTableDescription(_ context.Context, table string) (string, error) {
	name := types.NormalizeTableName(table)
	if err := m.fail("GetTableDescription", name); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.descriptions[name], nil
}

// GetColumnMetadata returns an empty slice for unknown tables
func (m *MockRepository) GetColumnMetadata(_ context.Context, table string) ([]types.ColumnDescriptor, error) {
	name := types.NormalizeTableName(table)
	if err := m.fail("GetColumnMetadata", name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ColumnDescriptor, len(m.columns[name]))
	copy(out, m.columns[name])

	return out, nil
}

// PutTableDescription upserts a description
func (m *MockRepository) PutTableDescription(_ context.Context, table, description, source string) error {
	name := types.NormalizeTableName(table)
	if err := m.fail("PutTableDescription", name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.descriptions[name] = description
	m.sources[name] = source

	return nil
}

// PutColumnMetadata replaces the column set of table
func (m *MockRepository) PutColumnMetadata(_ context.Context, table string, cols []types.ColumnDescriptor) error {
	name := types.NormalizeTableName(table)
	if err := m.fail("PutColumnMetadata", name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.descriptions[name]; !ok {
		m.descriptions[name] = ""
	}

	m.columns[name] = append([]types.ColumnDescriptor(nil), cols...)

	return nil
}

// DeleteTable removes a table
func (m *MockRepository) DeleteTable(_ context.Context, table string) error {
	name := types.NormalizeTableName(table)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.descriptions, name)
	delete(m.sources, name)
	delete(m.columns, name)

	return nil
}

// ListTables lists tables by name
func (m *MockRepository) ListTables(_ context.Context) ([]storage.TableRecord, error) {
	if err := m.injector.ShouldError("ListTables"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]storage.TableRecord, 0, len(m.descriptions))
	for name, desc := range m.descriptions {
		out = append(out, storage.TableRecord{
			Name:        name,
			Description: desc,
			Source:      m.sources[name],
			ColumnCount: len(m.columns[name]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// GetStats reports counts
func (m *MockRepository) GetStats(_ context.Context) (*storage.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &storage.Stats{Driver: "mock", TotalTables: len(m.descriptions)}
	for name, cols := range m.columns {
		stats.TotalColumns += len(cols)

		for _, c := range cols {
			if c.LogicKind == types.LogicDerived {
				stats.DerivedColumn++
			}
		}

		if m.descriptions[name] == "" {
			stats.Undescribed++
		}
	}

	return stats, nil
}

// Close does nothing
func (m *MockRepository) Close() error { return nil }

// MockGenerator answers prompts from a canned list of (substring, reply)
// rules and records every prompt it saw
type MockGenerator struct {
	mu sync.Mutex

	rules   []generatorRule
	prompts []string
	err     error
}

type generatorRule struct {
	contains string
	reply    string
}

// NewMockGenerator creates a generator that replies "" to unmatched prompts
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// On registers reply for prompts containing substr; earlier rules win
func (m *MockGenerator) On(substr, reply string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = append(m.rules, generatorRule{contains: substr, reply: reply})

	return m
}

// FailWith makes every call return err
func (m *MockGenerator) FailWith(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err

	return m
}

// Generate implements llm.Generator
func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, prompt)

	if m.err != nil {
		return "", m.err
	}

	for _, r := range m.rules {
		if strings.Contains(prompt, r.contains) {
			return r.reply, nil
		}
	}

	return "", nil
}

// Prompts returns every prompt received so far
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.prompts...)
}

// ErrorInjector provides systematic error injection for testing
type ErrorInjector struct {
	errors map[string]error
	after  map[string]afterN
	counts map[string]int
	mu     sync.Mutex
}

type afterN struct {
	n   int
	err error
}

// NewErrorInjector creates a new error injector
func NewErrorInjector() *ErrorInjector {
	return &ErrorInjector{
		errors: make(map[string]error),
		after:  make(map[string]afterN),
		counts: make(map[string]int),
	}
}

// InjectError configures an error to be returned for a specific key
func (e *ErrorInjector) InjectError(key string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors[key] = err
}

// InjectErrorAfterN configures an error to be returned after N successful calls
func (e *ErrorInjector) InjectErrorAfterN(key string, n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.after[key] = afterN{n: n, err: err}
}

// InjectErrorTimes fails the first n calls for key and succeeds afterwards
func (e *ErrorInjector) InjectErrorTimes(key string, n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors[fmt.Sprintf("%s#%d", key, n)] = err
}

// ShouldError checks if an error should be returned for the given key
func (e *ErrorInjector) ShouldError(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counts[key]++

	if err, exists := e.errors[key]; exists {
		return err
	}

	if a, exists := e.after[key]; exists && e.counts[key] > a.n {
		return a.err
	}

	for k, err := range e.errors {
		prefix, times, ok := strings.Cut(k, "#")
		if !ok || prefix != key {
			continue
		}

		var n int
		if _, scanErr := fmt.Sscanf(times, "%d", &n); scanErr == nil && e.counts[key] <= n {
			return err
		}
	}

	return nil
}

// GetCount returns the number of times a key was checked
func (e *ErrorInjector) GetCount(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[key]
}

// Reset clears all error configurations and counts
func (e *ErrorInjector) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = make(map[string]error)
	e.after = make(map[string]afterN)
	e.counts = make(map[string]int)
}
