// Package dictionary imports, generates and exports data dictionaries: the
// per-table descriptions and column metadata kept in the metadata repository.
package dictionary

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"gopkg.in/yaml.v3"

	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/types"
)

// Document is one table's data dictionary as exchanged in files
type Document struct {
	TableName string   `json:"tableName" yaml:"tableName"`
	TableDesc string   `json:"tableDesc" yaml:"tableDesc"`
	Records   []Record `json:"records"   yaml:"records"`
}

// Record describes one column of a Document
type Record struct {
	TableName   string `json:"TableName"     yaml:"TableName"`
	ColumnName  string `json:"ColumnName"    yaml:"ColumnName"`
	DataType    string `json:"DataType"      yaml:"DataType"`
	Constraints string `json:"Constraints"   yaml:"Constraints"`
	Logic       string `json:"logic"         yaml:"logic"`
	LogicKind   string `json:"type_of_logic" yaml:"type_of_logic"`
	BaseTable   string `json:"base_table"    yaml:"base_table"`
	Desc        string `json:"Desc"          yaml:"Desc"`
}

// Format is the encoding of a dictionary file
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks YAML for .yaml/.yml files and JSON otherwise
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes and validates a document
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document

	var err error
	if format == FormatYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}

	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrTypeValidation, "failed to decode %s dictionary", format)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// Validate checks required fields, the logic kind enum and that every record
// belongs to the document's table
func (d *Document) Validate() error {
	table := types.NormalizeTableName(d.TableName)
	if table == "" {
		return errors.NewValidationError("tableName is required")
	}

	if d.Records == nil {
		return errors.NewValidationError("records is required for table %s", table)
	}

	seen := make(map[string]bool, len(d.Records))

	for i, r := range d.Records {
		switch {
		case strings.TrimSpace(r.ColumnName) == "":
			return errors.NewValidationError("record %d of %s: ColumnName is required", i, table)
		case strings.TrimSpace(r.DataType) == "":
			return errors.NewValidationError("record %d of %s: DataType is required", i, table)
		case r.TableName != "" && types.NormalizeTableName(r.TableName) != table:
			return errors.NewValidationError("record %d belongs to %s, not %s", i, r.TableName, table)
		}

		if _, err := types.ParseLogicKind(r.LogicKind); err != nil {
			return errors.NewValidationError("record %d of %s: %v", i, table, err)
		}

		key := strings.ToLower(strings.TrimSpace(r.ColumnName))
		if seen[key] {
			return errors.NewValidationError("duplicate column %s in %s", r.ColumnName, table)
		}

		seen[key] = true
	}

	return nil
}

// Columns converts the records to column descriptors. HTML descriptions are
// rewritten as markdown.
func (d *Document) Columns() ([]types.ColumnDescriptor, error) {
	out := make([]types.ColumnDescriptor, 0, len(d.Records))

	for _, r := range d.Records {
		kind, _ := types.ParseLogicKind(r.LogicKind)

		desc, err := normalizeDescription(r.Desc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert description of %s: %w", r.ColumnName, err)
		}

		out = append(out, types.ColumnDescriptor{
			Name:            strings.TrimSpace(r.ColumnName),
			DataType:        strings.TrimSpace(r.DataType),
			Constraints:     splitConstraints(r.Constraints),
			DerivationLogic: strings.TrimSpace(r.Logic),
			LogicKind:       kind,
			BaseTable:       strings.TrimSpace(r.BaseTable),
			Description:     desc,
		})
	}

	return out, nil
}

// Description returns the table description, converted from HTML if needed
func (d *Document) Description() (string, error) {
	return normalizeDescription(d.TableDesc)
}

// NewDocument builds a document from stored metadata
func NewDocument(table, description string, columns []types.ColumnDescriptor) *Document {
	doc := &Document{
		TableName: types.NormalizeTableName(table),
		TableDesc: description,
		Records:   make([]Record, 0, len(columns)),
	}

	for _, c := range columns {
		doc.Records = append(doc.Records, Record{
			TableName:   doc.TableName,
			ColumnName:  c.Name,
			DataType:    c.DataType,
			Constraints: strings.Join(c.Constraints, ", "),
			Logic:       c.DerivationLogic,
			LogicKind:   string(c.LogicKind),
			BaseTable:   c.BaseTable,
			Desc:        c.Description,
		})
	}

	return doc
}

func splitConstraints(s string) []string {
	out := []string{}

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func normalizeDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !looksLikeHTML(s) {
		return s, nil
	}

	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(md), nil
}

func looksLikeHTML(s string) bool {
	open := strings.Index(s, "<")
	return open >= 0 && strings.Contains(s[open:], ">") && strings.Contains(s, "</")
}
