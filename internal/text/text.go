// Package text holds the tokenization shared by keyword scoring and the
// offline embedding provider.
package text

import (
	"strings"
	"unicode"
)

// Tokenize lower-cases s and splits it on every non-alphanumeric rune
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Sentences splits s at '.', '!', '?', ';' and newlines, dropping empty pieces
func Sentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case '.', '!', '?', ';', '\n':
			return true
		}

		return false
	})

	out := parts[:0]

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// Windows slices tokens into consecutive chunks of at most size tokens
func Windows(tokens []string, size int) [][]string {
	if size < 1 || len(tokens) == 0 {
		return nil
	}

	var out [][]string

	for start := 0; start < len(tokens); start += size {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}

		out = append(out, tokens[start:end])
	}

	return out
}
