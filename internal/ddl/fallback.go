package ddl

import (
	"regexp"
	"strings"

	"github.com/kyleking/sqlcontext/internal/errors"
)

var createTableRe = regexp.MustCompile(`(?i)^\s*CREATE\s+(?:OR\s+REPLACE\s+)?(?:(?:GLOBAL|LOCAL)\s+)?(?:TEMP(?:ORARY)?\s+|UNLOGGED\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([\w."` + "`" + `\[\]]+)\s*\(`)

// stop words end a column's type
var constraintWords = map[string]bool{
	"NOT": true, "NULL": true, "PRIMARY": true, "UNIQUE": true, "REFERENCES": true,
	"DEFAULT": true, "CHECK": true, "CONSTRAINT": true, "COLLATE": true, "GENERATED": true,
	"AUTO_INCREMENT": true, "AUTOINCREMENT": true, "IDENTITY": true, "COMMENT": true,
}

// parseFallback reads one comment-free CREATE TABLE statement with a
// tokenizer. It covers dialect syntax the PostgreSQL grammar rejects, such as
// DuckDB nested types or MySQL column options.
func parseFallback(stmt string) (Table, error) {
	loc := createTableRe.FindStringSubmatchIndex(stmt)
	if loc == nil {
		return Table{}, errors.NewValidationError("not a CREATE TABLE statement")
	}

	name := unquote(stmt[loc[2]:loc[3]])

	body, ok := balanced(stmt, loc[1]-1)
	if !ok {
		return Table{Name: name}, errors.NewValidationError("unbalanced parentheses in CREATE TABLE %s", name)
	}

	return parseBody(name, body)
}

func parseBody(name string, body string) (Table, error) {
	t := Table{Name: name}
	unique := map[string]bool{}

	for _, item := range splitTopLevel(body) {
		tokens := tokenize(item)
		if len(tokens) == 0 {
			continue
		}

		if strings.EqualFold(tokens[0], "CONSTRAINT") && len(tokens) > 2 {
			tokens = tokens[2:]
		}

		switch strings.ToUpper(tokens[0]) {
		case "PRIMARY":
			if cols := groupAfter(tokens, "KEY"); len(cols) > 0 {
				t.PrimaryKey = cols
			}
		case "FOREIGN":
			fk, ok := parseForeignKey(tokens)
			if !ok {
				return t, errors.NewValidationError("malformed FOREIGN KEY in %s: %s", name, item)
			}

			t.ForeignKeys = append(t.ForeignKeys, fk)
		case "UNIQUE":
			for _, c := range firstGroup(tokens) {
				unique[strings.ToLower(c)] = true
			}
		case "CHECK", "INDEX", "KEY", "EXCLUDE":
		default:
			col, fk := parseColumn(tokens)
			if col.Name == "" {
				continue
			}

			t.Columns = append(t.Columns, col)

			if col.PrimaryKey {
				t.PrimaryKey = append(t.PrimaryKey, col.Name)
			}

			if fk != nil {
				t.ForeignKeys = append(t.ForeignKeys, *fk)
			}
		}
	}

	return t, finishTable(&t, unique)
}

func parseColumn(tokens []string) (Column, *ForeignKey) {
	col := Column{Name: unquote(tokens[0])}

	var typeParts []string

	i := 1
	for ; i < len(tokens) && !constraintWords[strings.ToUpper(tokens[i])]; i++ {
		if strings.HasPrefix(tokens[i], "(") && len(typeParts) > 0 {
			typeParts[len(typeParts)-1] += tokens[i]
			continue
		}

		typeParts = append(typeParts, tokens[i])
	}

	col.Type = strings.ToUpper(strings.Join(typeParts, " "))

	var fk *ForeignKey

	for ; i < len(tokens); i++ {
		switch strings.ToUpper(tokens[i]) {
		case "PRIMARY":
			col.PrimaryKey = true
		case "NOT":
			if i+1 < len(tokens) && strings.EqualFold(tokens[i+1], "NULL") {
				col.NotNull = true
				i++
			}
		case "UNIQUE":
			col.Unique = true
		case "DEFAULT":
			if i+1 < len(tokens) {
				col.Default = tokens[i+1]
				i++
			}
		case "REFERENCES":
			if i+1 < len(tokens) {
				ref := &ForeignKey{Columns: []string{col.Name}, RefTable: unquote(tokens[i+1])}
				if i+2 < len(tokens) && strings.HasPrefix(tokens[i+2], "(") {
					ref.RefColumns = splitGroup(tokens[i+2])
					i++
				}

				fk = ref
				i++
			}
		}
	}

	return col, fk
}

// parseForeignKey reads FOREIGN KEY (a, b) REFERENCES t (x, y)
func parseForeignKey(tokens []string) (ForeignKey, bool) {
	fk := ForeignKey{Columns: groupAfter(tokens, "KEY")}

	for i, tok := range tokens {
		if !strings.EqualFold(tok, "REFERENCES") || i+1 >= len(tokens) {
			continue
		}

		fk.RefTable = unquote(tokens[i+1])
		if i+2 < len(tokens) && strings.HasPrefix(tokens[i+2], "(") {
			fk.RefColumns = splitGroup(tokens[i+2])
		}
	}

	return fk, len(fk.Columns) > 0 && fk.RefTable != ""
}

// balanced returns the text between the parenthesis at open and its match
func balanced(s string, open int) (string, bool) {
	depth := 0
	quote := rune(0)

	for i, r := range s[open:] {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth == 0 {
				return s[open+1 : open+i], true
			}
		}
	}

	return "", false
}

// splitTopLevel splits on commas outside parentheses and string literals
func splitTopLevel(s string) []string {
	var (
		out   []string
		depth int
		quote rune
		start int
	)

	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}

	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}

	return out
}

// tokenize splits a definition into words, keeping each parenthesised group
// and each string literal as a single token
func tokenize(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		depth int
		quote rune
	)

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)

			if r == quote {
				quote = 0
			}
		case r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == '(':
			if depth == 0 {
				flush()
			}

			depth++
			cur.WriteRune(r)
		case r == ')':
			depth--
			cur.WriteRune(r)

			if depth == 0 {
				flush()
			}
		case depth == 0 && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	flush()

	return out
}

func firstGroup(tokens []string) []string {
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "(") {
			return splitGroup(tok)
		}
	}

	return nil
}

func groupAfter(tokens []string, word string) []string {
	for i, tok := range tokens {
		if strings.EqualFold(tok, word) && i+1 < len(tokens) && strings.HasPrefix(tokens[i+1], "(") {
			return splitGroup(tokens[i+1])
		}
	}

	return nil
}

func splitGroup(group string) []string {
	group = strings.TrimSuffix(strings.TrimPrefix(group, "("), ")")

	var out []string

	for _, part := range strings.Split(group, ",") {
		if name := unquote(part); name != "" {
			out = append(out, name)
		}
	}

	return out
}

// unquote strips identifier quoting and any schema qualifier
func unquote(ident string) string {
	ident = strings.TrimSpace(ident)
	if i := strings.LastIndex(ident, "."); i >= 0 {
		ident = ident[i+1:]
	}

	return strings.Trim(ident, "\"`[]")
}
