package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/types"
)

// Store owns the relationship graph. Writers are serialized and publish a
// new immutable Graph only after it has been persisted; readers take a
// Snapshot and keep using it for the whole request.
type Store struct {
	writeMu sync.Mutex
	current atomic.Pointer[Graph]
	persist SnapshotStore
}

// Open loads the persisted graph
func Open(ctx context.Context, persist SnapshotStore) (*Store, error) {
	s := &Store{persist: persist}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Reload replaces the in-memory graph with the persisted one
func (s *Store) Reload(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load relationship graph: %w", err)
	}

	g, err := FromSnapshot(snap)
	if err != nil {
		return errors.Wrap(err, errors.ErrTypeFileSystem, "relationship graph snapshot is corrupt")
	}

	s.current.Store(g)
	logging.FromContext(ctx).Debugf("loaded relationship graph: %d tables, %d relations", g.NodeCount(), g.EdgeCount())

	return nil
}

// Snapshot returns the current immutable graph
func (s *Store) Snapshot() *Graph {
	return s.current.Load()
}

// GetRelations resolves join paths on the current snapshot
func (s *Store) GetRelations(_ context.Context, targets []string) ([]types.RelationHop, error) {
	return s.Snapshot().GetRelations(targets)
}

// AddRelation inserts or overwrites one undirected edge per relation and
// persists the result as one batch. Nothing is published if any relation is
// invalid or the save fails.
func (s *Store) AddRelation(ctx context.Context, relations []types.Relation) error {
	if len(relations) == 0 {
		return errors.NewValidationError("at least one relation is required")
	}

	return s.update(ctx, func(g *Graph) error {
		for _, rel := range relations {
			if err := g.setRelation(rel); err != nil {
				return err
			}
		}

		return nil
	})
}

// AddTable creates the node if needed and merges attrs into its attributes
func (s *Store) AddTable(ctx context.Context, name string, attrs map[string]string) error {
	name = types.NormalizeTableName(name)
	if name == "" {
		return errors.NewValidationError("table name must not be empty")
	}

	return s.update(ctx, func(g *Graph) error {
		g.ensureNode(name)
		for k, v := range attrs {
			g.nodes[name][k] = v
		}

		return nil
	})
}

// RemoveRelation deletes the edge between two tables. Nodes are kept.
func (s *Store) RemoveRelation(ctx context.Context, a, b string) error {
	pair := types.NewTablePair(a, b)

	return s.update(ctx, func(g *Graph) error {
		if _, ok := g.edges[pair]; !ok {
			return errors.Newf(errors.ErrTypeNotFound, "no relation between %s and %s", pair.A, pair.B)
		}

		delete(g.edges, pair)

		return nil
	})
}

func (s *Store) update(ctx context.Context, mutate func(g *Graph) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().clone()
	if err := mutate(next); err != nil {
		return err
	}

	next.reindex()

	if err := s.persist.Save(ctx, next.Snapshot()); err != nil {
		return fmt.Errorf("failed to persist relationship graph: %w", err)
	}

	s.current.Store(next)

	return nil
}
