// Package assembler turns a natural-language question into the table
// context handed to SQL generation: retrieve, score, select, resolve joins,
// then attach descriptions and columns.
package assembler

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/metrics"
	"github.com/kyleking/sqlcontext/internal/resolver"
	"github.com/kyleking/sqlcontext/internal/retriever"
	"github.com/kyleking/sqlcontext/internal/types"
)

// CandidateScorer scores one (query, candidate text) pair
type CandidateScorer interface {
	Score(ctx context.Context, query, candidateText string) (types.Scores, error)
}

// MetadataSource is the read side of the metadata repository
type MetadataSource interface {
	GetTableDescription(ctx context.Context, table string) (string, error)
	GetColumnMetadata(ctx context.Context, table string) ([]types.ColumnDescriptor, error)
}

// Options configure an Assembler
type Options struct {
	TopK   int
	Policy SelectionPolicy
	// RequestTimeout bounds one Assemble call; zero disables it
	RequestTimeout time.Duration
}

// Assembler orchestrates one context assembly per call. It holds only
// injected collaborators, so concurrent calls share no mutable state.
type Assembler struct {
	retriever retriever.Retriever
	scorer    CandidateScorer
	resolver  *resolver.Resolver
	metadata  MetadataSource
	opts      Options
}

// New creates an assembler
func New(r retriever.Retriever, s CandidateScorer, res *resolver.Resolver, metadata MetadataSource, opts Options) *Assembler {
	if opts.TopK < 1 {
		opts.TopK = 10
	}

	return &Assembler{retriever: r, scorer: s, resolver: res, metadata: metadata, opts: opts}
}

// Trace records what happened to every retrieved candidate
type Trace struct {
	Candidates []types.ScoredCandidate `json:"candidates"`
	Selected   []string                `json:"selected"`
}

// Assemble builds the context for query. When some direct tables cannot be
// joined the result is still returned, with UnresolvedPairs set, alongside an
// unreachable error. Any other failure returns a nil result.
func (a *Assembler) Assemble(ctx context.Context, query string) (*types.ContextResult, error) {
	result, _, err := a.AssembleWithTrace(ctx, query)
	return result, err
}

// AssembleWithTrace is Assemble that also reports the scored candidates
func (a *Assembler) AssembleWithTrace(ctx context.Context, query string) (*types.ContextResult, *Trace, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil, errors.NewValidationError("query must not be empty")
	}

	start := time.Now()

	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	logger := logging.FromContext(ctx).WithField("query", query)
	ctx = logging.WithContext(ctx, logger)

	trace := &Trace{}

	var candidates []types.RetrievedCandidate

	err := stage(ctx, "retrieve", func(ctx context.Context) error {
		var err error
		candidates, err = a.retriever.Retrieve(ctx, query, a.opts.TopK)

		return err
	})
	if err != nil {
		return nil, nil, a.fail(ctx, start, err)
	}

	err = stage(ctx, "score", func(ctx context.Context) error {
		for _, c := range candidates {
			scores, err := a.scorer.Score(ctx, query, retriever.DocumentText(c.TableName, c.Description))
			if err != nil {
				return fmt.Errorf("failed to score %s: %w", c.TableName, err)
			}

			trace.Candidates = append(trace.Candidates, types.ScoredCandidate{RetrievedCandidate: c, Scores: scores})
		}

		return nil
	})
	if err != nil {
		return nil, nil, a.fail(ctx, start, err)
	}

	selected := a.opts.Policy.Select(trace.Candidates)
	direct := make(map[string]types.TableDescriptor, len(selected))

	for _, c := range selected {
		t := types.NewTableDescriptor(c.TableName)
		t.Description = c.Description
		direct[t.Name] = t
		trace.Selected = append(trace.Selected, t.Name)
	}

	logger.Debugf("selected %d of %d candidate(s)", len(direct), len(candidates))

	result, err := a.build(ctx, query, direct)
	if result == nil {
		return nil, nil, a.fail(ctx, start, err)
	}

	metrics.ObserveSelection(len(candidates), len(result.TableList.Direct),
		len(result.TableList.Intermediate), len(result.UnresolvedPairs))

	return result, trace, a.finish(ctx, start, result, err)
}

// AssembleTables builds the context for an explicit set of direct tables,
// skipping retrieval and scoring
func (a *Assembler) AssembleTables(ctx context.Context, query string, tables []string) (*types.ContextResult, error) {
	if len(tables) == 0 {
		return nil, errors.NewValidationError("at least one table is required")
	}

	start := time.Now()

	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	direct := make(map[string]types.TableDescriptor, len(tables))

	for _, name := range tables {
		t := types.NewTableDescriptor(name)
		if t.Name == "" {
			return nil, errors.NewValidationError("table names must not be empty")
		}

		direct[t.Name] = t
	}

	result, err := a.build(ctx, strings.TrimSpace(query), direct)
	if result == nil {
		return nil, a.fail(ctx, start, err)
	}

	return result, a.finish(ctx, start, result, err)
}

// build resolves joins and enriches every table. A non-nil result with an
// unreachable error is a degraded success.
func (a *Assembler) build(ctx context.Context, query string, direct map[string]types.TableDescriptor) (*types.ContextResult, error) {
	result := types.NewContextResult(query)

	var degraded error

	// a single direct table needs no join search
	if len(direct) > 1 {
		err := stage(ctx, "resolve", func(ctx context.Context) error {
			res, err := a.resolver.Resolve(ctx, direct)
			if res == nil {
				return err
			}

			result.TableList.Intermediate = res.Intermediate
			result.JoinKeys = res.Hops
			result.UnresolvedPairs = res.Unresolved
			degraded = err

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for name, t := range direct {
		result.TableList.Direct[name] = t
	}

	err := stage(ctx, "enrich", func(ctx context.Context) error {
		if err := a.enrich(ctx, result.TableList.Direct, true); err != nil {
			return err
		}

		return a.enrich(ctx, result.TableList.Intermediate, false)
	})
	if err != nil {
		return nil, err
	}

	if err := result.CheckInvariants(); err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeInternal, "assembled context is inconsistent")
	}

	return result, degraded
}

// enrich attaches columns, and for direct tables the repository description
// when one exists
func (a *Assembler) enrich(ctx context.Context, tables map[string]types.TableDescriptor, describe bool) error {
	for name, t := range tables {
		cols, err := a.metadata.GetColumnMetadata(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load columns of %s: %w", name, err)
		}

		if describe {
			desc, err := a.metadata.GetTableDescription(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to load description of %s: %w", name, err)
			}

			if desc != "" {
				t.Description = desc
			}
		}

		tables[name] = t.WithColumns(cols)
	}

	return nil
}

func (a *Assembler) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, a.opts.RequestTimeout)
	}

	return context.WithCancel(ctx)
}

func (a *Assembler) fail(ctx context.Context, start time.Time, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.IsType(err, errors.ErrTypeTimeout) {
		err = errors.NewTimeoutError(err, "context assembly")
	}

	outcome := "error"
	if errors.IsType(err, errors.ErrTypeTimeout) {
		outcome = "timeout"
	}

	metrics.ObserveAssemble(outcome, time.Since(start))
	logging.FromContext(ctx).ErrorWithErr("context assembly failed", err)

	return err
}

func (a *Assembler) finish(ctx context.Context, start time.Time, result *types.ContextResult, degraded error) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"direct":       len(result.TableList.Direct),
		"intermediate": len(result.TableList.Intermediate),
		"hops":         len(result.JoinKeys),
	})

	if degraded != nil {
		metrics.ObserveAssemble("degraded", time.Since(start))
		logger.Warnf("context assembled with %d unresolved pair(s)", len(result.UnresolvedPairs))

		return degraded
	}

	metrics.ObserveAssemble("ok", time.Since(start))
	logger.Infof("context assembled")

	return nil
}

func stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := logging.Timed(ctx, name, fn)
	metrics.ObserveStage(name, time.Since(start))

	return err
}
