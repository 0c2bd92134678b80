package util

import "strings"

// SanitizeText drops NUL and other control characters that Postgres text columns reject
// or that extractors leak, keeping tabs and line breaks, and trims the result.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s))
}
