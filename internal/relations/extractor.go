// Package relations discovers join relations in SQL scripts and adds them to
// the relationship graph.
package relations

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kyleking/sqlcontext/internal/cache"
	"github.com/kyleking/sqlcontext/internal/ddl"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/llm"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/types"
)

// Mode selects how relations are found
type Mode string

const (
	// ModeHeuristic reads foreign keys and join conditions from the SQL
	ModeHeuristic Mode = "heuristic"
	// ModeLLM asks the language model for the relations
	ModeLLM Mode = "llm"
)

const extractFunction = "relations.Extractor.llm/v1"

const extractPrompt = `Find every pair of tables joined in the SQL below, including foreign keys and join conditions.
Reply with a JSON array only, one object per table pair:
[{"source_table": "...", "target_table": "...", "join_keys": [{"source_column": "...", "target_column": "..."}]}]
Use bare table names without schema or alias. Reply with [] if there are none.

SQL:
%s`

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")

// RelationWriter receives the extracted relations
type RelationWriter interface {
	AddRelation(ctx context.Context, relations []types.Relation) error
}

// Extractor finds relations in SQL scripts
type Extractor struct {
	mode  Mode
	llm   llm.Generator
	memo  *cache.Memoizer
	graph RelationWriter
}

// NewExtractor creates an extractor. gen is only needed in ModeLLM and memo
// may be nil.
func NewExtractor(mode Mode, gen llm.Generator, memo *cache.Memoizer, graph RelationWriter) (*Extractor, error) {
	switch mode {
	case ModeHeuristic:
	case ModeLLM:
		if gen == nil {
			return nil, errors.NewConfigError("llm mode needs a configured LLM provider", "llm.provider")
		}
	default:
		return nil, errors.NewValidationError("unknown extraction mode %q (must be heuristic or llm)", mode)
	}

	return &Extractor{mode: mode, llm: gen, memo: memo, graph: graph}, nil
}

// Extract returns the relations found in sql without storing them
func (e *Extractor) Extract(ctx context.Context, sql string) ([]types.Relation, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, errors.NewValidationError("SQL must not be empty")
	}

	if e.mode == ModeLLM {
		return e.extractLLM(ctx, sql)
	}

	return extractHeuristic(sql)
}

// ExtractAndAdd extracts relations and adds them to the graph in one batch.
// It returns the relations added.
func (e *Extractor) ExtractAndAdd(ctx context.Context, sql string) ([]types.Relation, error) {
	rels, err := e.Extract(ctx, sql)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).WithField("mode", string(e.mode))

	if len(rels) == 0 {
		logger.Warnf("no relations found")
		return rels, nil
	}

	if err := e.graph.AddRelation(ctx, rels); err != nil {
		return nil, fmt.Errorf("failed to add extracted relations: %w", err)
	}

	logger.Infof("added %d relation(s)", len(rels))

	return rels, nil
}

func extractHeuristic(sql string) ([]types.Relation, error) {
	var out []types.Relation

	tables, err := ddl.Parse(sql)
	switch {
	case err == nil:
		out = append(out, ddl.ForeignKeyRelations(tables)...)
	case !errors.IsType(err, errors.ErrTypeValidation):
		return nil, err
	}

	out = append(out, ddl.ExtractJoins(sql)...)

	return out, nil
}

func (e *Extractor) extractLLM(ctx context.Context, sql string) ([]types.Relation, error) {
	prompt := fmt.Sprintf(extractPrompt, sql)

	reply, err := cache.Memoize(ctx, e.memo, extractFunction, []interface{}{prompt}, func(ctx context.Context) (string, error) {
		return e.llm.Generate(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}

	return ParseReply(reply)
}

// ParseReply decodes a model reply into relations. The JSON may be wrapped in
// a markdown code fence and may be a bare array or {"relations": [...]}.
// Entries without both tables or without join keys are dropped.
func ParseReply(reply string) ([]types.Relation, error) {
	body := strings.TrimSpace(reply)
	if m := fenceRe.FindStringSubmatch(body); m != nil {
		body = m[1]
	}

	var rels []types.Relation

	if strings.HasPrefix(body, "{") {
		var wrapped struct {
			Relations []types.Relation `json:"relations"`
		}

		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, errors.NewUpstreamError(fmt.Errorf("reply is not valid JSON: %w", err), "llm")
		}

		rels = wrapped.Relations
	} else if err := json.Unmarshal([]byte(body), &rels); err != nil {
		return nil, errors.NewUpstreamError(fmt.Errorf("reply is not valid JSON: %w", err), "llm")
	}

	out := make([]types.Relation, 0, len(rels))

	for _, r := range rels {
		r.SourceTable = strings.TrimSpace(r.SourceTable)
		r.TargetTable = strings.TrimSpace(r.TargetTable)

		keys := r.JoinKeys[:0]
		for _, k := range r.JoinKeys {
			if strings.TrimSpace(k.SourceColumn) != "" && strings.TrimSpace(k.TargetColumn) != "" {
				keys = append(keys, k)
			}
		}

		r.JoinKeys = keys

		if r.SourceTable == "" || r.TargetTable == "" || len(r.JoinKeys) == 0 ||
			types.NormalizeTableName(r.SourceTable) == types.NormalizeTableName(r.TargetTable) {
			continue
		}

		out = append(out, r)
	}

	return out, nil
}
