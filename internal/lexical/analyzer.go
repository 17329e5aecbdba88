// Package lexical implements the keyword side of hybrid retrieval: a
// Unicode-aware analyzer and a BM25 inverted index backed by postings
// persisted in the relational store.
package lexical

import (
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
)

// Analyzer turns text into index terms: UAX#29 word segmentation,
// lowercase fold, optional English suffix stemming. No stop-list.
type Analyzer struct {
	stemEnglish bool
}

// NewAnalyzer builds an analyzer. stemming is "none" or "english".
func NewAnalyzer(stemming string) *Analyzer {
	return &Analyzer{stemEnglish: stemming == "english"}
}

// Tokens segments text into lowercase terms, dropping whitespace and
// punctuation-only segments.
func (a *Analyzer) Tokens(text string) []string {
	var tokens []string
	iter := words.FromString(text)
	for iter.Next() {
		tok := iter.Value()
		if !hasAlnum(tok) {
			continue
		}
		tok = strings.ToLower(tok)
		if a.stemEnglish {
			tok = stem(tok)
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// TermFrequencies returns term counts for one chunk plus its token
// length, the two inputs of BM25 scoring.
func (a *Analyzer) TermFrequencies(text string) (map[string]int, int) {
	tokens := a.Tokens(text)
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	return freqs, len(tokens)
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// stem strips common English suffixes from ASCII terms. Deliberately
// lighter than a full Porter stemmer: recall matters more than
// morphological precision at this index size.
func stem(s string) string {
	if len(s) < 5 || !isASCIILetters(s) {
		return s
	}
	switch {
	case strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "sses"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "ing") && len(s) > 6:
		return s[:len(s)-3]
	case strings.HasSuffix(s, "ed") && len(s) > 5:
		return s[:len(s)-2]
	case strings.HasSuffix(s, "es"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return s[:len(s)-1]
	}
	return s
}

func isASCIILetters(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}
