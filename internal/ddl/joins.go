package ddl

import (
	"regexp"
	"sort"
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"

	"github.com/kyleking/sqlcontext/internal/types"
)

var (
	fromClauseRe = regexp.MustCompile(`(?i)\bFROM\s+([\w."]+(?:\s+(?:AS\s+)?\w+)?(?:\s*,\s*[\w."]+(?:\s+(?:AS\s+)?\w+)?)*)`)
	joinClauseRe = regexp.MustCompile(`(?i)\bJOIN\s+([\w."]+)(?:\s+(?:AS\s+)?(\w+))?`)
	equalityRe   = regexp.MustCompile(`([\w"]+)\.([\w"]+)\s*=\s*([\w"]+)\.([\w"]+)`)
)

// words that can follow a table reference but are never an alias
var clauseWords = map[string]bool{
	"ON": true, "USING": true, "WHERE": true, "JOIN": true, "LEFT": true, "RIGHT": true,
	"INNER": true, "OUTER": true, "FULL": true, "CROSS": true, "NATURAL": true, "GROUP": true,
	"ORDER": true, "LIMIT": true, "HAVING": true, "UNION": true, "WINDOW": true, "QUALIFY": true,
}

// columnEquality is "left.leftColumn = right.rightColumn" with both sides
// already resolved to table names
type columnEquality struct {
	left, leftColumn   string
	right, rightColumn string
}

// ExtractJoins finds "a.x = b.y" equalities between two different tables of
// a query, resolving aliases declared in FROM and JOIN clauses. Equalities in
// WHERE clauses count too, so implicit comma joins are found. Keys of the same
// table pair are merged into one relation.
func ExtractJoins(sql string) []types.Relation {
	var equalities []columnEquality

	for _, stmt := range splitStatements(sql) {
		stmts, err := parser.Parse(stmt)
		if err != nil {
			equalities = append(equalities, scanEqualities(stmt)...)
			continue
		}

		for _, s := range stmts {
			w := newJoinWalker()
			w.statement(s.AST)
			equalities = append(equalities, w.resolve()...)
		}
	}

	return mergeEqualities(equalities)
}

// joinWalker collects table aliases and candidate join conditions of one
// statement
type joinWalker struct {
	aliases map[string]string
	conds   []tree.Expr
}

func newJoinWalker() *joinWalker {
	return &joinWalker{aliases: map[string]string{}}
}

func (w *joinWalker) statement(stmt tree.Statement) {
	switch n := stmt.(type) {
	case *tree.Select:
		w.selectNode(n)
	case *tree.CreateView:
		w.selectNode(n.AsSource)
	case *tree.Insert:
		w.selectNode(n.Rows)
	}
}

func (w *joinWalker) selectNode(s *tree.Select) {
	if s == nil {
		return
	}

	if s.With != nil {
		for _, cte := range s.With.CTEList {
			w.statement(cte.Stmt)
		}
	}

	w.selectStatement(s.Select)
}

func (w *joinWalker) selectStatement(s tree.SelectStatement) {
	switch n := s.(type) {
	case *tree.SelectClause:
		for _, te := range n.From.Tables {
			w.tableExpr(te)
		}

		if n.Where != nil {
			w.conds = append(w.conds, n.Where.Expr)
		}
	case *tree.ParenSelect:
		w.selectNode(n.Select)
	case *tree.UnionClause:
		w.selectNode(n.Left)
		w.selectNode(n.Right)
	}
}

func (w *joinWalker) tableExpr(te tree.TableExpr) {
	switch n := te.(type) {
	case *tree.AliasedTableExpr:
		alias := string(n.As.Alias)

		switch e := n.Expr.(type) {
		case *tree.TableName:
			w.declare(e.Table(), alias)
		case *tree.UnresolvedObjectName:
			w.declare(e.Parts[0], alias)
		case *tree.Subquery:
			w.selectStatement(e.Select)
		}
	case *tree.JoinTableExpr:
		w.tableExpr(n.Left)
		w.tableExpr(n.Right)

		if on, ok := n.Cond.(*tree.OnJoinCond); ok {
			w.conds = append(w.conds, on.Expr)
		}
	case *tree.ParenTableExpr:
		w.tableExpr(n.Expr)
	}
}

func (w *joinWalker) declare(table, alias string) {
	table = types.NormalizeTableName(table)
	if table == "" {
		return
	}

	w.aliases[table] = table

	if alias != "" {
		w.aliases[strings.ToLower(alias)] = table
	}
}

// resolve turns qualified column equalities joined by AND into table-level
// equalities, in the order the conditions were written
func (w *joinWalker) resolve() []columnEquality {
	var out []columnEquality

	var visit func(e tree.Expr)
	visit = func(e tree.Expr) {
		switch n := e.(type) {
		case *tree.AndExpr:
			visit(n.Left)
			visit(n.Right)
		case *tree.ParenExpr:
			visit(n.Expr)
		case *tree.ComparisonExpr:
			if n.Operator != tree.EQ {
				return
			}

			left, lok := n.Left.(*tree.UnresolvedName)
			right, rok := n.Right.(*tree.UnresolvedName)

			if !lok || !rok || left.NumParts < 2 || right.NumParts < 2 {
				return
			}

			out = append(out, columnEquality{
				left:        w.aliases[strings.ToLower(left.Parts[1])],
				leftColumn:  left.Parts[0],
				right:       w.aliases[strings.ToLower(right.Parts[1])],
				rightColumn: right.Parts[0],
			})
		}
	}

	for _, c := range w.conds {
		visit(c)
	}

	return out
}

// scanEqualities is the pattern based reading of a statement the grammar
// rejects
func scanEqualities(stmt string) []columnEquality {
	aliases := map[string]string{}

	declare := func(table, alias string) {
		table = types.NormalizeTableName(unquote(table))
		if table == "" {
			return
		}

		aliases[table] = table

		if alias = strings.ToLower(strings.Trim(alias, `"`)); alias != "" && !clauseWords[strings.ToUpper(alias)] {
			aliases[alias] = table
		}
	}

	for _, m := range fromClauseRe.FindAllStringSubmatch(stmt, -1) {
		for _, part := range strings.Split(m[1], ",") {
			fields := strings.Fields(part)
			switch {
			case len(fields) == 0:
			case len(fields) >= 3 && strings.EqualFold(fields[1], "AS"):
				declare(fields[0], fields[2])
			case len(fields) >= 2:
				declare(fields[0], fields[1])
			default:
				declare(fields[0], "")
			}
		}
	}

	for _, m := range joinClauseRe.FindAllStringSubmatch(stmt, -1) {
		declare(m[1], m[2])
	}

	var out []columnEquality

	for _, m := range equalityRe.FindAllStringSubmatch(stmt, -1) {
		out = append(out, columnEquality{
			left:        aliases[strings.ToLower(strings.Trim(m[1], `"`))],
			leftColumn:  strings.Trim(m[2], `"`),
			right:       aliases[strings.ToLower(strings.Trim(m[3], `"`))],
			rightColumn: strings.Trim(m[4], `"`),
		})
	}

	return out
}

// mergeEqualities groups equalities by table pair. Unknown tables and self
// joins are skipped; a pair written the other way round joins the first one.
func mergeEqualities(equalities []columnEquality) []types.Relation {
	type pairKey struct{ source, target string }

	merged := map[pairKey]*types.Relation{}

	var order []pairKey

	for _, eq := range equalities {
		if eq.left == "" || eq.right == "" || eq.left == eq.right {
			continue
		}

		key := pairKey{eq.left, eq.right}
		jk := types.JoinKey{SourceColumn: eq.leftColumn, TargetColumn: eq.rightColumn}

		if _, ok := merged[key]; !ok {
			if _, rev := merged[pairKey{eq.right, eq.left}]; rev {
				key = pairKey{eq.right, eq.left}
				jk = jk.Reverse()
			}
		}

		rel, ok := merged[key]
		if !ok {
			rel = &types.Relation{SourceTable: key.source, TargetTable: key.target}
			merged[key] = rel
			order = append(order, key)
		}

		if !containsKey(rel.JoinKeys, jk) {
			rel.JoinKeys = append(rel.JoinKeys, jk)
		}
	}

	out := make([]types.Relation, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SourceTable != out[j].SourceTable {
			return out[i].SourceTable < out[j].SourceTable
		}

		return out[i].TargetTable < out[j].TargetTable
	})

	return out
}

func containsKey(keys []types.JoinKey, k types.JoinKey) bool {
	for _, existing := range keys {
		if strings.EqualFold(existing.SourceColumn, k.SourceColumn) && strings.EqualFold(existing.TargetColumn, k.TargetColumn) {
			return true
		}
	}

	return false
}
