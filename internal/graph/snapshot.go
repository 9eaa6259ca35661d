package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kyleking/sqlcontext/internal/types"
)

// SnapshotVersion is written into every persisted snapshot
const SnapshotVersion = 1

// Snapshot is the serialized form of a Graph. Nodes and edges are sorted so
// that equal graphs serialize to identical bytes.
type Snapshot struct {
	Version int          `json:"version"`
	Nodes   []NodeRecord `json:"nodes"`
	Edges   []EdgeRecord `json:"edges"`
}

// NodeRecord is one persisted table
type NodeRecord struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EdgeRecord is one persisted relation
type EdgeRecord struct {
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	JoinKeys []types.JoinKey `json:"join_keys"`
}

// SnapshotStore loads and saves whole graph snapshots. Load returns an empty
// snapshot when nothing has been saved yet. Save must replace the previous
// snapshot atomically.
type SnapshotStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Snapshot serializes the graph
func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{
		Version: SnapshotVersion,
		Nodes:   make([]NodeRecord, 0, len(g.nodes)),
		Edges:   make([]EdgeRecord, 0, len(g.edges)),
	}

	for _, name := range g.Tables() {
		rec := NodeRecord{Name: name}
		if len(g.nodes[name]) > 0 {
			rec.Attributes = copyAttrs(g.nodes[name])
		}

		s.Nodes = append(s.Nodes, rec)
	}

	pairs := make([]types.TablePair, 0, len(g.edges))
	for pair := range g.edges {
		pairs = append(pairs, pair)
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}

		return pairs[i].B < pairs[j].B
	})

	for _, pair := range pairs {
		e := g.edges[pair]
		s.Edges = append(s.Edges, EdgeRecord{
			Source:   e.source,
			Target:   e.target,
			JoinKeys: append([]types.JoinKey{}, e.joinKeys...),
		})
	}

	return s
}

// FromSnapshot rebuilds a graph, validating every record
func FromSnapshot(s *Snapshot) (*Graph, error) {
	g := New()
	if s == nil {
		return g, nil
	}

	if s.Version > SnapshotVersion {
		return nil, fmt.Errorf("unsupported graph snapshot version %d", s.Version)
	}

	for _, n := range s.Nodes {
		name := types.NormalizeTableName(n.Name)
		if name == "" {
			return nil, fmt.Errorf("graph snapshot contains a node without a name")
		}

		g.nodes[name] = copyAttrs(n.Attributes)
	}

	for _, e := range s.Edges {
		rel := types.Relation{SourceTable: e.Source, TargetTable: e.Target, JoinKeys: e.JoinKeys}
		if err := g.setRelation(rel); err != nil {
			return nil, fmt.Errorf("invalid edge %s-%s in graph snapshot: %w", e.Source, e.Target, err)
		}
	}

	g.reindex()

	return g, nil
}

// FileSnapshotStore keeps the snapshot in a JSON file. Saves write a temp
// file in the same directory and rename it over the target.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a store for the given path
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// Path returns the snapshot file location
func (f *FileSnapshotStore) Path() string { return f.path }

// Load reads the snapshot file
func (f *FileSnapshotStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &Snapshot{Version: SnapshotVersion}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read graph snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse graph snapshot %s: %w", f.path, err)
	}

	return &s, nil
}

// Save atomically replaces the snapshot file
func (f *FileSnapshotStore) Save(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal graph snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create graph directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".relations-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace graph snapshot: %w", err)
	}

	return nil
}

// MemorySnapshotStore keeps the last saved snapshot in memory
type MemorySnapshotStore struct {
	data  []byte
	Saves int
}

// Load decodes the last saved snapshot
func (m *MemorySnapshotStore) Load(_ context.Context) (*Snapshot, error) {
	if m.data == nil {
		return &Snapshot{Version: SnapshotVersion}, nil
	}

	var s Snapshot
	if err := json.Unmarshal(m.data, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

// Save stores an encoded copy of s
func (m *MemorySnapshotStore) Save(_ context.Context, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	m.data = data
	m.Saves++

	return nil
}
