package ddl

import "strings"

// stripComments removes -- and /* */ comments outside string literals and
// quoted identifiers
func stripComments(sql string) string {
	var b strings.Builder

	b.Grow(len(sql))

	quote := byte(0)

	for i := 0; i < len(sql); i++ {
		c := sql[i]

		switch {
		case quote != 0:
			b.WriteByte(c)

			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
			b.WriteByte(c)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}

			b.WriteByte('\n')
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 3
			}

			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// splitStatements strips comments and splits sql on semicolons outside
// literals. Empty statements are dropped.
func splitStatements(sql string) []string {
	sql = stripComments(sql)

	var (
		out   []string
		quote byte
		start int
	)

	for i := 0; i < len(sql); i++ {
		c := sql[i]

		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			if stmt := strings.TrimSpace(sql[start:i]); stmt != "" {
				out = append(out, stmt)
			}

			start = i + 1
		}
	}

	if stmt := strings.TrimSpace(sql[start:]); stmt != "" {
		out = append(out, stmt)
	}

	return out
}
