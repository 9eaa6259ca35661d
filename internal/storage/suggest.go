package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/kyleking/sqlcontext/internal/errors"
)

// SuggestTables returns up to three known tables that fuzzily match name,
// best match first
func SuggestTables(name string, known []string) []string {
	matches := fuzzy.Find(strings.ToLower(name), known)

	out := make([]string, 0, 3)
	for _, m := range matches {
		if len(out) == 3 {
			break
		}

		out = append(out, m.Str)
	}

	return out
}

// UnknownTablesError reports tables that are not in the repository, with
// "did you mean" suggestions drawn from known
func UnknownTablesError(missing, known []string) error {
	sort.Strings(missing)

	err := errors.Newf(errors.ErrTypeNotFound, "unknown table(s): %s", strings.Join(missing, ", "))

	for _, name := range missing {
		if s := SuggestTables(name, known); len(s) > 0 {
			err.WithSuggestion(fmt.Sprintf("%s: did you mean %s?", name, strings.Join(s, ", ")))
		}
	}

	return err
}
