// Package resolver finds the intermediate tables and join keys needed to
// connect a set of direct tables.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/graph"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/storage"
	"github.com/kyleking/sqlcontext/internal/types"
)

// RelationSource answers join path queries; *graph.Store satisfies it
type RelationSource interface {
	GetRelations(ctx context.Context, targets []string) ([]types.RelationHop, error)
}

// DescriptionSource supplies table descriptions for intermediate tables
type DescriptionSource interface {
	GetTableDescription(ctx context.Context, table string) (string, error)
}

var (
	_ RelationSource    = (*graph.Store)(nil)
	_ DescriptionSource = (storage.Repository)(nil)
)

// Resolution is the outcome of one Resolve call
type Resolution struct {
	Intermediate map[string]types.TableDescriptor
	Hops         []types.RelationHop
	// Unresolved lists direct table pairs that have no join path
	Unresolved []types.TablePair
}

// Resolver is stateless; every call builds its own Resolution
type Resolver struct {
	relations    RelationSource
	descriptions DescriptionSource
}

// New creates a resolver
func New(relations RelationSource, descriptions DescriptionSource) *Resolver {
	return &Resolver{relations: relations, descriptions: descriptions}
}

// Resolve connects the direct tables. Fewer than two direct tables need no
// joins and never touch the graph. When some pairs cannot be connected the
// partial Resolution is returned together with an unreachable error; any
// other error returns a nil Resolution.
func (r *Resolver) Resolve(ctx context.Context, direct map[string]types.TableDescriptor) (*Resolution, error) {
	res := &Resolution{
		Intermediate: map[string]types.TableDescriptor{},
		Hops:         []types.RelationHop{},
	}

	if len(direct) < 2 {
		return res, nil
	}

	names := make([]string, 0, len(direct))
	for name := range direct {
		names = append(names, types.NormalizeTableName(name))
	}

	// sorted so the chosen paths depend only on the graph
	sort.Strings(names)

	hops, relErr := r.relations.GetRelations(ctx, names)
	if relErr != nil && !errors.IsType(relErr, errors.ErrTypeUnreachable) {
		return nil, fmt.Errorf("failed to resolve join paths: %w", relErr)
	}

	isDirect := make(map[string]bool, len(names))
	for _, name := range names {
		isDirect[name] = true
	}

	// PendingEnrichment: endpoints not in the direct set, in first-seen order
	var pending []string

	for _, hop := range hops {
		for _, name := range []string{hop.Source, hop.Target} {
			if isDirect[name] {
				continue
			}

			if _, ok := res.Intermediate[name]; !ok {
				res.Intermediate[name] = types.NewTableDescriptor(name)
				pending = append(pending, name)
			}
		}
	}

	res.Hops = append(res.Hops, hops...)

	// Enriched
	for _, name := range pending {
		desc, err := r.descriptions.GetTableDescription(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to describe intermediate table %s: %w", name, err)
		}

		table := res.Intermediate[name]
		table.Description = desc
		res.Intermediate[name] = table
	}

	if relErr != nil {
		res.Unresolved = graph.UnreachablePairs(relErr)
		logging.FromContext(ctx).Warnf("%d direct table pair(s) have no join path", len(res.Unresolved))

		return res, relErr
	}

	return res, nil
}
