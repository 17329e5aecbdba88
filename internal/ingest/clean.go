package ingest

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CleanOptions bound the normalization pass.
type CleanOptions struct {
	MinLineChars int // lines shorter than this after trimming are dropped
	MaxLineChars int // longer lines are hard-wrapped
}

// Clean normalizes extracted text: NFKC, control characters dropped
// (newlines kept), whitespace runs collapsed, lines trimmed, short
// lines dropped, long lines bounded.
func Clean(text string, opts CleanOptions) string {
	if opts.MinLineChars <= 0 {
		opts.MinLineChars = 3
	}
	if opts.MaxLineChars <= 0 {
		opts.MaxLineChars = 2000
	}

	text = norm.NFKC.String(text)

	var sb strings.Builder
	sb.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			sb.WriteRune('\n')
			lastSpace = false
		case unicode.IsControl(r):
			// dropped
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
		default:
			sb.WriteRune(r)
			lastSpace = false
		}
	}

	lines := strings.Split(sb.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			// Preserve one blank line as a paragraph boundary.
			if !blank && len(out) > 0 {
				out = append(out, "")
				blank = true
			}
			continue
		}
		if len([]rune(line)) < opts.MinLineChars {
			continue
		}
		blank = false
		for _, wrapped := range wrapLine(line, opts.MaxLineChars) {
			out = append(out, wrapped)
		}
	}
	// Drop a trailing paragraph boundary.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// wrapLine splits an overlong line at rune boundaries, preferring the
// last space inside the bound.
func wrapLine(line string, maxChars int) []string {
	runes := []rune(line)
	if len(runes) <= maxChars {
		return []string{line}
	}
	var parts []string
	for len(runes) > maxChars {
		cut := maxChars
		for i := maxChars; i > maxChars/2; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
