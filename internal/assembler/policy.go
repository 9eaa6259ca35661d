package assembler

import (
	"sort"

	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/types"
)

// Mode says how the score thresholds of a SelectionPolicy combine
type Mode string

const (
	// ModeAny keeps a candidate when at least one set threshold is exceeded
	ModeAny Mode = "any"
	// ModeAll keeps a candidate only when every set threshold is exceeded
	ModeAll Mode = "all"
)

// SelectionPolicy decides which scored candidates become direct tables.
// Nil thresholds are ignored; with none set every candidate qualifies.
type SelectionPolicy struct {
	MinRerankerScore *float64
	MinKeywordScore  *float64
	// MaxDistance always applies, regardless of Mode
	MaxDistance *float64
	Mode        Mode
	// TopN caps the direct set; zero means no cap
	TopN int
}

// PolicyFromConfig maps the retrieval section onto a policy. A zero
// max_distance disables the distance filter.
func PolicyFromConfig(cfg config.RetrievalConfig) SelectionPolicy {
	p := SelectionPolicy{
		MinRerankerScore: ptr(cfg.MinRerankerScore),
		MinKeywordScore:  ptr(cfg.MinKeywordScore),
		Mode:             Mode(cfg.PolicyMode),
		TopN:             cfg.TopN,
	}

	if cfg.MaxDistance > 0 {
		p.MaxDistance = ptr(cfg.MaxDistance)
	}

	return p
}

func ptr(v float64) *float64 { return &v }

// Select filters and ranks candidates. Survivors are ordered by reranker
// score, then keyword score, then distance, then name; duplicates of a table
// keep their best entry.
func (p SelectionPolicy) Select(candidates []types.ScoredCandidate) []types.ScoredCandidate {
	var kept []types.ScoredCandidate

	for _, c := range candidates {
		if p.MaxDistance != nil && c.Distance > *p.MaxDistance {
			continue
		}

		if p.qualifies(c.Scores) {
			kept = append(kept, c)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]

		switch {
		case a.Scores.RerankerScore != b.Scores.RerankerScore:
			return a.Scores.RerankerScore > b.Scores.RerankerScore
		case a.Scores.KeywordScore != b.Scores.KeywordScore:
			return a.Scores.KeywordScore > b.Scores.KeywordScore
		case a.Distance != b.Distance:
			return a.Distance < b.Distance
		}

		return a.TableName < b.TableName
	})

	seen := make(map[string]bool, len(kept))
	out := kept[:0]

	for _, c := range kept {
		if seen[c.TableName] {
			continue
		}

		seen[c.TableName] = true
		out = append(out, c)

		if p.TopN > 0 && len(out) == p.TopN {
			break
		}
	}

	return out
}

func (p SelectionPolicy) qualifies(s types.Scores) bool {
	var checks []bool

	if p.MinRerankerScore != nil {
		checks = append(checks, s.RerankerScore > *p.MinRerankerScore)
	}

	if p.MinKeywordScore != nil {
		checks = append(checks, s.KeywordScore > *p.MinKeywordScore)
	}

	if len(checks) == 0 {
		return true
	}

	if p.Mode == ModeAll {
		for _, ok := range checks {
			if !ok {
				return false
			}
		}

		return true
	}

	for _, ok := range checks {
		if ok {
			return true
		}
	}

	return false
}
