package extract

import (
	"strings"

	"kbflow/internal/util"
)

const binaryProbeRunes = 100

// ValidateText rejects empty content and content that looks like undecoded binary data.
func ValidateText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return util.ErrEmptyContent
	}
	if strings.HasPrefix(trimmed, "%PDF-") {
		return util.ErrBinaryContent
	}
	n := 0
	for _, r := range trimmed {
		if n >= binaryProbeRunes {
			break
		}
		n++
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return util.ErrBinaryContent
		}
	}
	return nil
}
