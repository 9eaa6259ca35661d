package types

import (
	"fmt"
	"strings"
)

// LogicKind says how a column's value is produced
type LogicKind string

const (
	// LogicDirect columns are copied from a base table column
	LogicDirect LogicKind = "direct"
	// LogicDerived columns are computed from one or more base columns
	LogicDerived LogicKind = "derived"
)

// ParseLogicKind accepts the enum case-insensitively; empty means direct
func ParseLogicKind(s string) (LogicKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(LogicDirect):
		return LogicDirect, nil
	case string(LogicDerived):
		return LogicDerived, nil
	default:
		return "", fmt.Errorf("unknown logic kind %q (must be direct or derived)", s)
	}
}

// NormalizeTableName lower-cases and trims a table name. Every graph,
// repository and vector store key goes through this.
func NormalizeTableName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ColumnDescriptor describes one column of a table
type ColumnDescriptor struct {
	Name            string    `json:"name"`
	DataType        string    `json:"data_type"`
	Constraints     []string  `json:"constraints"`
	DerivationLogic string    `json:"derivation_logic,omitempty"`
	LogicKind       LogicKind `json:"logic_kind"`
	BaseTable       string    `json:"base_table,omitempty"`
	Description     string    `json:"description"`
}

// Validate checks the column name and logic kind
func (c ColumnDescriptor) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("column name is required")
	}

	if _, err := ParseLogicKind(string(c.LogicKind)); err != nil {
		return fmt.Errorf("column %s: %w", c.Name, err)
	}

	return nil
}

// BaseTables splits the comma separated base table list
func (c ColumnDescriptor) BaseTables() []string {
	var out []string

	for _, part := range strings.Split(c.BaseTable, ",") {
		if name := NormalizeTableName(part); name != "" {
			out = append(out, name)
		}
	}

	return out
}

// TableDescriptor is a table with its description and columns keyed by name
type TableDescriptor struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description"`
	Columns     map[string]ColumnDescriptor `json:"columns"`
}

// NewTableDescriptor returns a descriptor with an empty description and no columns
func NewTableDescriptor(name string) TableDescriptor {
	return TableDescriptor{
		Name:    NormalizeTableName(name),
		Columns: map[string]ColumnDescriptor{},
	}
}

// WithColumns returns a copy of t whose Columns map holds cols
func (t TableDescriptor) WithColumns(cols []ColumnDescriptor) TableDescriptor {
	t.Columns = make(map[string]ColumnDescriptor, len(cols))
	for _, col := range cols {
		t.Columns[col.Name] = col
	}

	return t
}
