package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"kbflow/internal/util"
)

// Extractor converts raw document bytes into plain or markdown text.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, format Format) (string, error)
}

type Default struct{}

func NewExtractor() *Default {
	return &Default{}
}

func (d *Default) ExtractText(ctx context.Context, data []byte, format Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch format {
	case FormatWord:
		return extractDOCX(data)
	case FormatPDF:
		return extractPDF(data)
	case FormatMarkdown, FormatText:
		return decodeText(data), nil
	default:
		return "", fmt.Errorf("extract %s: %w", format, util.ErrUnsupportedFormat)
	}
}

func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "\uFFFD")
}
