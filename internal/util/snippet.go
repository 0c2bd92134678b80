package util

import (
	"sort"
	"strings"
	"unicode"
)

const defaultSnippetRunes = 420

var snippetStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "what": {}, "how": {},
	"why": {}, "which": {}, "that": {}, "this": {}, "these": {}, "those": {}, "with": {},
	"from": {}, "does": {}, "into": {}, "about": {},
}

// DisplaySnippet flattens s to a single line of printable text cut to maxRunes.
func DisplaySnippet(s string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = defaultSnippetRunes
	}
	s = strings.Join(strings.Fields(SanitizeText(s)), " ")
	s = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + "..."
}

// DisplayEvidenceSnippet picks the sentences of text that mention the most query terms.
// The best sentence is always used; the runner-up is appended when it also matches.
func DisplayEvidenceSnippet(text, query string, maxRunes int) string {
	text = DisplaySnippet(text, 4000)
	terms := queryTerms(query)
	sentences := splitSentences(text)
	if len(terms) == 0 || len(sentences) < 2 {
		return DisplaySnippet(text, maxRunes)
	}

	hits := make([]int, len(sentences))
	for i, s := range sentences {
		low := strings.ToLower(s)
		for _, term := range terms {
			if strings.Contains(low, term) {
				hits[i]++
			}
		}
	}
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if hits[order[a]] != hits[order[b]] {
			return hits[order[a]] > hits[order[b]]
		}
		return len(sentences[order[a]]) < len(sentences[order[b]])
	})

	out := sentences[order[0]]
	if hits[order[1]] > 0 {
		out += " " + sentences[order[1]]
	}
	return DisplaySnippet(out, maxRunes)
}

func splitSentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if !isSentenceEnd(r) {
			continue
		}
		if part := strings.TrimSpace(s[start : i+len(string(r))]); part != "" {
			out = append(out, part)
		}
		start = i + len(string(r))
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func queryTerms(q string) []string {
	seen := map[string]struct{}{}
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(q)) {
		f = strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) })
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := snippetStopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}
