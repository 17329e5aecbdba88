package ingest

import (
	"strings"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// separator ladder for the recursive strategy: paragraph, line, word,
// then hard character split.
var recursiveSeparators = []string{"\n\n", "\n", " ", ""}

// Chunker slices cleaned text into bounded, overlapping pieces.
type Chunker struct {
	strategy string
	size     int // chars
	overlap  int // chars, < size
}

// NewChunker validates and builds a chunker. strategy is "recursive",
// "fixed" or "sentence".
func NewChunker(strategy string, size, overlap int) (*Chunker, error) {
	if size < 1 {
		return nil, faults.New(faults.KindValidation, "chunk size must be positive")
	}
	if overlap < 0 || overlap >= size {
		return nil, faults.New(faults.KindValidation, "chunk overlap must be in [0, size)")
	}
	switch strategy {
	case "recursive", "fixed", "sentence":
	default:
		return nil, faults.Newf(faults.KindValidation, "unknown chunk strategy %q", strategy)
	}
	return &Chunker{strategy: strategy, size: size, overlap: overlap}, nil
}

// Split chunks text in source order. Empty pieces are never emitted.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var pieces []string
	switch c.strategy {
	case "fixed":
		pieces = c.splitFixed(text)
	case "sentence":
		pieces = c.mergeParts(splitSentences(text), " ")
	default:
		pieces = c.splitRecursive(text, recursiveSeparators)
	}
	out := pieces[:0]
	for _, p := range pieces {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitRecursive descends the separator ladder: split on the coarsest
// separator present, recurse into oversized parts with finer ones, then
// greedily merge with overlap.
func (c *Chunker) splitRecursive(text string, seps []string) []string {
	if len([]rune(text)) <= c.size {
		return []string{text}
	}

	sep := ""
	rest := []string{}
	for i, s := range seps {
		if s == "" {
			sep = s
			break
		}
		if strings.Contains(text, s) {
			sep = s
			rest = seps[i+1:]
			break
		}
	}
	if sep == "" {
		return c.splitFixed(text)
	}

	var parts []string
	for _, part := range strings.Split(text, sep) {
		if part == "" {
			continue
		}
		if len([]rune(part)) > c.size {
			parts = append(parts, c.splitRecursive(part, rest)...)
		} else {
			parts = append(parts, part)
		}
	}
	return c.mergeParts(parts, sep)
}

// mergeParts joins consecutive parts up to the target size, carrying
// the configured overlap into each following chunk.
func (c *Chunker) mergeParts(parts []string, sep string) []string {
	var chunks []string
	var window []string
	windowLen := 0
	sepLen := len([]rune(sep))

	flush := func() {
		if len(window) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(window, sep))
		// Retain trailing parts within the overlap budget.
		var kept []string
		keptLen := 0
		for i := len(window) - 1; i >= 0; i-- {
			partLen := len([]rune(window[i])) + sepLen
			if keptLen+partLen > c.overlap {
				break
			}
			kept = append([]string{window[i]}, kept...)
			keptLen += partLen
		}
		window = kept
		windowLen = keptLen
	}

	fresh := false
	for _, part := range parts {
		partLen := len([]rune(part))
		if windowLen > 0 && windowLen+sepLen+partLen > c.size {
			flush()
			fresh = false
		}
		window = append(window, part)
		windowLen += partLen
		if len(window) > 1 {
			windowLen += sepLen
		}
		fresh = true
	}
	// The window may hold only the retained overlap; emit it only when
	// new content arrived after the last flush.
	if fresh {
		flush()
	}
	return chunks
}

// splitFixed cuts rune windows of the target size, stepping by
// size-overlap.
func (c *Chunker) splitFixed(text string) []string {
	runes := []rune(text)
	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// splitSentences breaks on sentence enders, keeping the punctuation
// with its sentence. Handles both ASCII and CJK enders.
func splitSentences(text string) []string {
	var parts []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		switch r {
		case '.', '!', '?', '。', '！', '？', '\n':
			if s := strings.TrimSpace(sb.String()); s != "" {
				parts = append(parts, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}
