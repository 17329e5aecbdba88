package rerank

import (
	"context"
	"math"

	"github.com/lorekeep-ai/lorekeep/internal/lexical"
)

// BM25 rescoring parameters, matching the lexical index.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25 rescoring treats the candidate set itself as the corpus: term
// statistics come from the candidates, not the full index, so a chunk
// that stands out among its peers rises.
type BM25 struct {
	analyzer *lexical.Analyzer
}

func NewBM25(analyzer *lexical.Analyzer) *BM25 {
	return &BM25{analyzer: analyzer}
}

func (r *BM25) Rerank(_ context.Context, query string, cands []Candidate) ([]Candidate, error) {
	if len(cands) == 0 {
		return cands, nil
	}
	terms := dedup(r.analyzer.Tokens(query))
	if len(terms) == 0 {
		return cands, nil
	}

	freqs := make([]map[string]int, len(cands))
	lengths := make([]int, len(cands))
	totalLen := 0
	df := make(map[string]int)
	for i, c := range cands {
		tf, length := r.analyzer.TermFrequencies(c.Text)
		freqs[i] = tf
		lengths[i] = length
		totalLen += length
		for _, term := range terms {
			if tf[term] > 0 {
				df[term]++
			}
		}
	}
	avgLen := float64(totalLen) / float64(len(cands))
	if avgLen == 0 {
		avgLen = 1
	}

	n := float64(len(cands))
	out := make([]Candidate, len(cands))
	maxScore := 0.0
	for i, c := range cands {
		score := 0.0
		for _, term := range terms {
			tf := float64(freqs[i][term])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(lengths[i])/avgLen))
			score += idf * norm
		}
		c.Score = score
		if score > maxScore {
			maxScore = score
		}
		out[i] = c
	}
	// Normalize into [0,1] so thresholds stay comparable across modes.
	if maxScore > 0 {
		for i := range out {
			out[i].Score /= maxScore
		}
	}
	sortByScore(out)
	return out, nil
}

func dedup(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
