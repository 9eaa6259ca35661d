package scoring

import (
	"math"

	"github.com/kyleking/sqlcontext/internal/text"
)

// BM25 parameters
const (
	K1 = 1.5
	B  = 0.75

	// WindowSize is the segment length used when a text has fewer than two sentences
	WindowSize = 16
)

// KeywordScore scores the overlap of query and document with Okapi BM25.
// The document is split into segments (sentences, or fixed token windows when
// it is a single sentence) which form the corpus, and the best segment wins.
func KeywordScore(query, document string) float64 {
	queryTerms := text.Tokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}

	corpus := segments(document)
	if len(corpus) == 0 {
		return 0
	}

	bm := newBM25(corpus)

	best := 0.0
	for i := range corpus {
		if s := bm.score(queryTerms, i); s > best {
			best = s
		}
	}

	return best
}

func segments(document string) [][]string {
	var out [][]string

	for _, sentence := range text.Sentences(document) {
		if tokens := text.Tokenize(sentence); len(tokens) > 0 {
			out = append(out, tokens)
		}
	}

	if len(out) >= 2 {
		return out
	}

	return text.Windows(text.Tokenize(document), WindowSize)
}

type bm25 struct {
	tf    []map[string]int
	lens  []int
	avgdl float64
	idf   map[string]float64
}

func newBM25(corpus [][]string) *bm25 {
	bm := &bm25{
		tf:   make([]map[string]int, len(corpus)),
		lens: make([]int, len(corpus)),
		idf:  make(map[string]float64),
	}

	df := make(map[string]int)
	total := 0

	for i, doc := range corpus {
		freq := make(map[string]int, len(doc))
		for _, tok := range doc {
			freq[tok]++
		}

		for tok := range freq {
			df[tok]++
		}

		bm.tf[i] = freq
		bm.lens[i] = len(doc)
		total += len(doc)
	}

	bm.avgdl = float64(total) / float64(len(corpus))

	n := float64(len(corpus))
	for tok, count := range df {
		bm.idf[tok] = math.Log(1 + (n-float64(count)+0.5)/(float64(count)+0.5))
	}

	return bm
}

func (bm *bm25) score(query []string, doc int) float64 {
	norm := K1 * (1 - B + B*float64(bm.lens[doc])/bm.avgdl)

	score := 0.0
	for _, term := range query {
		tf := float64(bm.tf[doc][term])
		if tf == 0 {
			continue
		}

		score += bm.idf[term] * tf * (K1 + 1) / (tf + norm)
	}

	return score
}
