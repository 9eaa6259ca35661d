package types

import (
	"fmt"
	"sort"
)

// JoinKey asserts equality between a column of the hop source and one of the hop target
type JoinKey struct {
	SourceColumn string `json:"source_column" yaml:"source_column"`
	TargetColumn string `json:"target_column" yaml:"target_column"`
}

// Reverse swaps the columns, for traversing an edge against its stored orientation
func (k JoinKey) Reverse() JoinKey {
	return JoinKey{SourceColumn: k.TargetColumn, TargetColumn: k.SourceColumn}
}

// Relation is one edge submitted to the graph store
type Relation struct {
	SourceTable string    `json:"source_table" yaml:"source_table"`
	TargetTable string    `json:"target_table" yaml:"target_table"`
	JoinKeys    []JoinKey `json:"join_keys"    yaml:"join_keys"`
}

// EdgeAttributes are the attributes stored on a graph edge
type EdgeAttributes struct {
	JoinKeys []JoinKey `json:"join_keys"`
}

// RelationHop is one edge traversed while connecting two direct tables,
// oriented in the direction of traversal
type RelationHop struct {
	Source               string            `json:"source"`
	Target               string            `json:"target"`
	EdgeAttributes       EdgeAttributes    `json:"edge_attributes"`
	SourceNodeAttributes map[string]string `json:"source_node_attributes"`
	TargetNodeAttributes map[string]string `json:"target_node_attributes"`
}

// TablePair is an unordered pair of tables, stored with A < B
type TablePair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewTablePair normalizes both names and orders them
func NewTablePair(x, y string) TablePair {
	x, y = NormalizeTableName(x), NormalizeTableName(y)
	if y < x {
		x, y = y, x
	}

	return TablePair{A: x, B: y}
}

func (p TablePair) String() string {
	return fmt.Sprintf("%s<->%s", p.A, p.B)
}

// TableList splits the tables of a context into direct and intermediate
type TableList struct {
	Direct       map[string]TableDescriptor `json:"direct"`
	Intermediate map[string]TableDescriptor `json:"intermediate"`
}

// ContextResult is the assembled metadata context for one user query
type ContextResult struct {
	UserQuery       string        `json:"user_query"`
	TableList       TableList     `json:"table_list"`
	JoinKeys        []RelationHop `json:"join_keys"`
	UnresolvedPairs []TablePair   `json:"unresolved_pairs,omitempty"`
}

// NewContextResult returns an empty result with non-nil collections
func NewContextResult(query string) *ContextResult {
	return &ContextResult{
		UserQuery: query,
		TableList: TableList{
			Direct:       map[string]TableDescriptor{},
			Intermediate: map[string]TableDescriptor{},
		},
		JoinKeys: []RelationHop{},
	}
}

// Degraded reports whether some direct tables could not be joined
func (r *ContextResult) Degraded() bool {
	return len(r.UnresolvedPairs) > 0
}

// TableNames returns every table in the result, direct first, each group sorted
func (r *ContextResult) TableNames() []string {
	names := sortedKeys(r.TableList.Direct)
	return append(names, sortedKeys(r.TableList.Intermediate)...)
}

// CheckInvariants verifies that direct and intermediate tables are disjoint
// and that every hop endpoint is present in exactly one of them
func (r *ContextResult) CheckInvariants() error {
	for name := range r.TableList.Intermediate {
		if _, ok := r.TableList.Direct[name]; ok {
			return fmt.Errorf("table %s is both direct and intermediate", name)
		}
	}

	for _, hop := range r.JoinKeys {
		for _, name := range []string{hop.Source, hop.Target} {
			_, direct := r.TableList.Direct[name]
			_, intermediate := r.TableList.Intermediate[name]

			if !direct && !intermediate {
				return fmt.Errorf("hop endpoint %s is missing from the table list", name)
			}
		}
	}

	return nil
}

func sortedKeys(m map[string]TableDescriptor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// RetrievedCandidate is one nearest-neighbour hit from the semantic retriever
type RetrievedCandidate struct {
	TableName   string            `json:"table_name"`
	Description string            `json:"description"`
	Distance    float64           `json:"distance"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Scores are the two independent relevance signals for a candidate
type Scores struct {
	RerankerScore float64 `json:"reranker_score"`
	KeywordScore  float64 `json:"keyword_score"`
}

// ScoredCandidate pairs a candidate with its scores
type ScoredCandidate struct {
	RetrievedCandidate
	Scores Scores `json:"scores"`
}
