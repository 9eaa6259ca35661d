package formatter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/storage"
	"github.com/kyleking/sqlcontext/internal/types"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatLong  OutputFormat = "long"
	FormatShort OutputFormat = "short"
)

const missing = "-"

// Formatter handles table and context output formatting
type Formatter struct{}

// NewFormatter creates a new formatter instance
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatTable formats a table with its columns (long) or as one line (short)
func (f *Formatter) FormatTable(t types.TableDescriptor, format OutputFormat) string {
	if format == FormatShort {
		return fmt.Sprintf("%s (%s)  %d cols", t.Name, truncate(t.Description, 80), len(t.Columns))
	}

	lines := []string{
		"Table: " + t.Name,
		"Description: " + orMissing(t.Description),
		fmt.Sprintf("Columns: %d", len(t.Columns)),
	}

	for _, name := range columnNames(t) {
		lines = append(lines, f.formatColumn(t.Columns[name])...)
	}

	return strings.Join(lines, "\n")
}

func (f *Formatter) formatColumn(c types.ColumnDescriptor) []string {
	lines := []string{
		fmt.Sprintf("  %-25s %-15s %s", c.Name, orMissing(c.DataType), orMissing(c.Description)),
	}

	if len(c.Constraints) > 0 {
		lines = append(lines, fmt.Sprintf("  %-25s constraints: %s", "", strings.Join(c.Constraints, ", ")))
	}

	if c.LogicKind == types.LogicDerived {
		lines = append(lines, fmt.Sprintf("  %-25s derived from %s: %s", "", orMissing(c.BaseTable), c.DerivationLogic))
	}

	return lines
}

// FormatRecord formats one repository listing row
func (f *Formatter) FormatRecord(r storage.TableRecord) string {
	return fmt.Sprintf("%-30s %3d cols  %-10s %-14s %s",
		r.Name, r.ColumnCount, orMissing(r.Source), f.humanizeAge(r.UpdatedAt), truncate(r.Description, 70))
}

// FormatCandidate formats a scored candidate with its rank
func (f *Formatter) FormatCandidate(c types.ScoredCandidate, rank int) string {
	return fmt.Sprintf("%d. %-30s distance=%.3f reranker=%.3f keyword=%.3f",
		rank, c.TableName, c.Distance, c.Scores.RerankerScore, c.Scores.KeywordScore)
}

// FormatHop formats a join step as an ON clause
func (f *Formatter) FormatHop(hop types.RelationHop) string {
	keys := make([]string, len(hop.EdgeAttributes.JoinKeys))
	for i, k := range hop.EdgeAttributes.JoinKeys {
		keys[i] = fmt.Sprintf("%s.%s = %s.%s", hop.Source, k.SourceColumn, hop.Target, k.TargetColumn)
	}

	return fmt.Sprintf("%s -> %s  ON %s", hop.Source, hop.Target, strings.Join(keys, " AND "))
}

// FormatContext formats an assembled context. Long includes every column,
// short lists one line per table.
func (f *Formatter) FormatContext(result *types.ContextResult, format OutputFormat) string {
	lines := []string{"Question: " + result.UserQuery}

	section := func(title string, tables map[string]types.TableDescriptor) {
		lines = append(lines, "", fmt.Sprintf("%s (%d):", title, len(tables)))

		names := make([]string, 0, len(tables))
		for n := range tables {
			names = append(names, n)
		}

		sort.Strings(names)

		for _, n := range names {
			for _, line := range strings.Split(f.FormatTable(tables[n], format), "\n") {
				lines = append(lines, "  "+line)
			}
		}
	}

	section("Direct tables", result.TableList.Direct)
	section("Intermediate tables", result.TableList.Intermediate)

	lines = append(lines, "", fmt.Sprintf("Joins (%d):", len(result.JoinKeys)))
	for _, hop := range result.JoinKeys {
		lines = append(lines, "  "+f.FormatHop(hop))
	}

	if result.Degraded() {
		pairs := make([]string, len(result.UnresolvedPairs))
		for i, p := range result.UnresolvedPairs {
			pairs[i] = p.String()
		}

		lines = append(lines, "", "Unresolved: "+strings.Join(pairs, ", "))
	}

	return strings.Join(lines, "\n")
}

// humanizeAge converts a time to a human-readable age string
func (f *Formatter) humanizeAge(t time.Time) string {
	if t.IsZero() {
		return "?"
	}

	days := int(time.Since(t).Hours() / 24)

	switch {
	case days < 1:
		return "today"
	case days == 1:
		return "1 day ago"
	case days < 30:
		return fmt.Sprintf("%d days ago", days)
	case days < 60:
		return "1 month ago"
	case days < 365:
		return fmt.Sprintf("%d months ago", days/30)
	case days < 730:
		return "1 year ago"
	}

	return fmt.Sprintf("%d years ago", days/365)
}

func columnNames(t types.TableDescriptor) []string {
	names := make([]string, 0, len(t.Columns))
	for n := range t.Columns {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

func truncate(s string, n int) string {
	if s == "" {
		return missing
	}

	if len(s) > n {
		return s[:n-3] + "..."
	}

	return s
}

func orMissing(s string) string {
	if s == "" {
		return missing
	}

	return s
}
