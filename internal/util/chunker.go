package util

import (
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 150

	// maxChunkIterations stops pathological inputs from looping forever.
	maxChunkIterations = 10000
)

// ChunkText splits text into overlapping chunks cut at sentence, paragraph or line
// boundaries when one is available near the end of each window.
func ChunkText(text string, chunkSize, overlap int) []string {
	chunks, _ := SplitChunks(text, chunkSize, overlap)
	return chunks
}

// SplitChunks is ChunkText that also reports whether the iteration cap was hit.
// Chunks produced before the cap are still returned.
func SplitChunks(text string, chunkSize, overlap int) ([]string, bool) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	runes := []rune(strings.TrimSpace(text))
	n := len(runes)
	if n == 0 {
		return []string{}, false
	}
	if n <= chunkSize {
		return []string{string(runes)}, false
	}

	out := make([]string, 0, n/chunkSize+2)
	start := 0
	for iter := 0; start < n; iter++ {
		if iter >= maxChunkIterations {
			return out, true
		}
		end := start + chunkSize
		if end > n {
			end = n
		}
		if end < n {
			if cut := findBoundary(runes, start+chunkSize*7/10, end); cut > start {
				end = cut
			}
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			out = append(out, part)
		}
		if end >= n {
			break
		}
		next := end - overlap
		if next < start+1 {
			next = start + 1
		}
		start = next
	}
	return out, false
}

// findBoundary returns the cut position just after the last boundary marker in
// runes[from:to], or -1. Sentence ends win over blank lines, blank lines over newlines.
func findBoundary(runes []rune, from, to int) int {
	if from < 0 {
		from = 0
	}
	if from >= to {
		return -1
	}
	for i := to - 1; i >= from; i-- {
		switch runes[i] {
		case '。', '！', '？':
			return i + 1
		case '.', '!', '?':
			if i+1 < to && unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	for i := to - 2; i >= from; i-- {
		if runes[i] == '\n' && runes[i+1] == '\n' {
			return i + 2
		}
	}
	for i := to - 1; i >= from; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	return -1
}
