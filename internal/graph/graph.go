package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/types"
)

// edge is stored once per unordered pair. joinKeys are oriented from source to target.
type edge struct {
	source   string
	target   string
	joinKeys []types.JoinKey
}

// Graph is an immutable, undirected graph of tables. A *Graph handed out by
// Store.Snapshot is never modified; writers build a new one.
type Graph struct {
	nodes map[string]map[string]string
	edges map[types.TablePair]edge
	// adj holds neighbours in lexical order so traversal is deterministic
	adj map[string][]string
}

// New returns an empty graph
func New() *Graph {
	return &Graph{
		nodes: map[string]map[string]string{},
		edges: map[types.TablePair]edge{},
		adj:   map[string][]string{},
	}
}

// NodeCount returns the number of tables in the graph
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of relations in the graph
func (g *Graph) EdgeCount() int { return len(g.edges) }

// HasTable reports whether the (case-insensitive) table is a node
func (g *Graph) HasTable(name string) bool {
	_, ok := g.nodes[types.NormalizeTableName(name)]
	return ok
}

// Tables returns every node in lexical order
func (g *Graph) Tables() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Neighbors returns the tables directly joined to name, in lexical order
func (g *Graph) Neighbors(name string) []string {
	return append([]string(nil), g.adj[types.NormalizeTableName(name)]...)
}

// JoinKeys returns the keys of the edge between from and to, oriented from -> to
func (g *Graph) JoinKeys(from, to string) ([]types.JoinKey, bool) {
	from, to = types.NormalizeTableName(from), types.NormalizeTableName(to)

	e, ok := g.edges[types.NewTablePair(from, to)]
	if !ok {
		return nil, false
	}

	return orient(e, from), true
}

func orient(e edge, from string) []types.JoinKey {
	keys := make([]types.JoinKey, len(e.joinKeys))
	for i, k := range e.joinKeys {
		if e.source == from {
			keys[i] = k
		} else {
			keys[i] = k.Reverse()
		}
	}

	return keys
}

// ShortestPath returns one fewest-hop path from -> to, inclusive of both ends,
// or nil when none exists. Neighbours are expanded in lexical order and the
// first discovery of a node wins, so equal-length paths resolve the same way
// on every call.
func (g *Graph) ShortestPath(from, to string) []string {
	from, to = types.NormalizeTableName(from), types.NormalizeTableName(to)

	if _, ok := g.nodes[from]; !ok {
		return nil
	}

	if _, ok := g.nodes[to]; !ok {
		return nil
	}

	if from == to {
		return []string{from}
	}

	parent := map[string]string{from: ""}
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range g.adj[current] {
			if _, seen := parent[next]; seen {
				continue
			}

			parent[next] = current
			if next == to {
				return buildPath(parent, from, to)
			}

			queue = append(queue, next)
		}
	}

	return nil
}

func buildPath(parent map[string]string, from, to string) []string {
	var reversed []string
	for node := to; node != from; node = parent[node] {
		reversed = append(reversed, node)
	}

	reversed = append(reversed, from)

	path := make([]string, len(reversed))
	for i, node := range reversed {
		path[len(reversed)-1-i] = node
	}

	return path
}

// GetRelations connects every unordered pair of targets with one shortest
// path and returns the traversed edges as hops, deduplicated in first-seen
// order. Pairs without a path are reported through an unreachable error that
// is returned together with the hops that could be found.
func (g *Graph) GetRelations(targets []string) ([]types.RelationHop, error) {
	if len(targets) == 0 {
		return nil, errors.NewValidationError("at least one target table is required")
	}

	names := make([]string, 0, len(targets))
	seenName := make(map[string]bool, len(targets))

	for _, raw := range targets {
		name := types.NormalizeTableName(raw)
		if name == "" {
			return nil, errors.NewValidationError("target table names must not be empty")
		}

		if !seenName[name] {
			seenName[name] = true
			names = append(names, name)
		}
	}

	hops := []types.RelationHop{}
	if len(names) < 2 {
		return hops, nil
	}

	seenEdge := map[types.TablePair]bool{}

	var unreachable []types.TablePair

	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			path := g.ShortestPath(names[i], names[j])
			if path == nil {
				unreachable = append(unreachable, types.NewTablePair(names[i], names[j]))
				continue
			}

			for k := 0; k+1 < len(path); k++ {
				pair := types.NewTablePair(path[k], path[k+1])
				if seenEdge[pair] {
					continue
				}

				seenEdge[pair] = true
				hops = append(hops, g.hop(path[k], path[k+1]))
			}
		}
	}

	if len(unreachable) > 0 {
		return hops, g.unreachableError(names, unreachable)
	}

	return hops, nil
}

func (g *Graph) hop(from, to string) types.RelationHop {
	return types.RelationHop{
		Source:               from,
		Target:               to,
		EdgeAttributes:       types.EdgeAttributes{JoinKeys: orient(g.edges[types.NewTablePair(from, to)], from)},
		SourceNodeAttributes: copyAttrs(g.nodes[from]),
		TargetNodeAttributes: copyAttrs(g.nodes[to]),
	}
}

// UnreachableError lists the table pairs that have no join path
type UnreachableError struct {
	Pairs   []types.TablePair
	Unknown []string
}

func (e *UnreachableError) Error() string {
	pairs := make([]string, len(e.Pairs))
	for i, p := range e.Pairs {
		pairs[i] = p.String()
	}

	msg := "no join path for " + strings.Join(pairs, ", ")
	if len(e.Unknown) > 0 {
		msg += fmt.Sprintf("; unknown tables: %s", strings.Join(e.Unknown, ", "))
	}

	return msg
}

// UnreachablePairs extracts the failed pairs from an error returned by GetRelations
func UnreachablePairs(err error) []types.TablePair {
	var target *UnreachableError
	if errors.As(err, &target) {
		return target.Pairs
	}

	return nil
}

func (g *Graph) unreachableError(names []string, pairs []types.TablePair) error {
	detail := &UnreachableError{Pairs: pairs}
	known := g.Tables()

	var suggestions []string

	for _, name := range names {
		if _, ok := g.nodes[name]; ok {
			continue
		}

		detail.Unknown = append(detail.Unknown, name)

		if matches := fuzzy.Find(name, known); len(matches) > 0 {
			suggestions = append(suggestions, fmt.Sprintf("did you mean %q instead of %q?", matches[0].Str, name))
		}
	}

	err := errors.Wrapf(detail, errors.ErrTypeUnreachable, "%d table pair(s) cannot be joined", len(pairs))
	for _, s := range suggestions {
		err.WithSuggestion(s)
	}

	if len(detail.Unknown) > 0 {
		err.WithSuggestion("add the missing relations with 'sqlcontext relations add'")
	}

	return err
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}

	return out
}

// clone returns a deep copy for a writer to modify
func (g *Graph) clone() *Graph {
	c := New()

	for name, attrs := range g.nodes {
		c.nodes[name] = copyAttrs(attrs)
	}

	for pair, e := range g.edges {
		c.edges[pair] = edge{
			source:   e.source,
			target:   e.target,
			joinKeys: append([]types.JoinKey(nil), e.joinKeys...),
		}
	}

	return c
}

func (g *Graph) ensureNode(name string) {
	if _, ok := g.nodes[name]; !ok {
		g.nodes[name] = map[string]string{}
	}
}

// setRelation inserts or overwrites the edge for rel's pair
func (g *Graph) setRelation(rel types.Relation) error {
	source := types.NormalizeTableName(rel.SourceTable)
	target := types.NormalizeTableName(rel.TargetTable)

	switch {
	case source == "" || target == "":
		return errors.NewValidationError("relation tables must not be empty")
	case source == target:
		return errors.NewValidationError("self relation on %s is not supported", source)
	}

	g.ensureNode(source)
	g.ensureNode(target)
	g.edges[types.NewTablePair(source, target)] = edge{
		source:   source,
		target:   target,
		joinKeys: normalizeJoinKeys(rel.JoinKeys),
	}

	return nil
}

// normalizeJoinKeys trims column names and drops duplicate pairs
func normalizeJoinKeys(keys []types.JoinKey) []types.JoinKey {
	out := make([]types.JoinKey, 0, len(keys))
	seen := make(map[types.JoinKey]bool, len(keys))

	for _, k := range keys {
		k = types.JoinKey{
			SourceColumn: strings.TrimSpace(k.SourceColumn),
			TargetColumn: strings.TrimSpace(k.TargetColumn),
		}
		if seen[k] {
			continue
		}

		seen[k] = true
		out = append(out, k)
	}

	return out
}

// reindex rebuilds the sorted adjacency lists after a mutation
func (g *Graph) reindex() {
	adj := make(map[string][]string, len(g.nodes))
	for pair := range g.edges {
		adj[pair.A] = append(adj[pair.A], pair.B)
		adj[pair.B] = append(adj[pair.B], pair.A)
	}

	for name := range adj {
		sort.Strings(adj[name])
	}

	g.adj = adj
}
