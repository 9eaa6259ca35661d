package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kyleking/sqlcontext/internal/types"
)

// WriteDOT renders the graph in Graphviz DOT format with join keys as edge labels
func (g *Graph) WriteDOT(w io.Writer) error {
	snap := g.Snapshot()

	var b strings.Builder

	b.WriteString("graph relations {\n")
	b.WriteString("  node [shape=box];\n")

	for _, n := range snap.Nodes {
		fmt.Fprintf(&b, "  %q;\n", n.Name)
	}

	for _, e := range snap.Edges {
		labels := make([]string, len(e.JoinKeys))
		for i, k := range e.JoinKeys {
			labels[i] = fmt.Sprintf("%s = %s", k.SourceColumn, k.TargetColumn)
		}

		fmt.Fprintf(&b, "  %q -- %q [label=%q];\n", e.Source, e.Target, strings.Join(labels, "\n"))
	}

	b.WriteString("}\n")

	_, err := io.WriteString(w, b.String())

	return err
}

// relationsFile is the on-disk format for bulk relation imports
type relationsFile struct {
	Relations []types.Relation `json:"relations" yaml:"relations"`
}

// LoadRelationsFile reads relations from a YAML (.yaml, .yml) or JSON file:
//
//	relations:
//	  - source_table: orders
//	    target_table: customers
//	    join_keys:
//	      - {source_column: cust_id, target_column: id}
func LoadRelationsFile(path string) ([]types.Relation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read relations file: %w", err)
	}

	var doc relationsFile

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse relations file %s: %w", path, err)
	}

	return doc.Relations, nil
}
