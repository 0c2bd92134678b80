package extract

import (
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatWord     Format = "word"
	FormatPDF      Format = "pdf"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

const (
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeDOC  = "application/msword"
	mimePDF  = "application/pdf"
)

type formatRule struct {
	format Format
	match  func(contentType, ext string) bool
}

// formatRules are checked in order; the first match wins and anything else is text.
var formatRules = []formatRule{
	{FormatWord, func(ct, ext string) bool {
		return ct == mimeDOCX || ct == mimeDOC || strings.Contains(ct, "word") || ext == ".docx" || ext == ".doc"
	}},
	{FormatPDF, func(ct, ext string) bool {
		return ct == mimePDF || ext == ".pdf"
	}},
	{FormatMarkdown, func(ct, ext string) bool {
		return ct == "text/markdown" || ext == ".md" || ext == ".markdown"
	}},
}

// DetectFormat picks an extractor from the declared MIME type and the file extension.
func DetectFormat(contentType, filename string) Format {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, r := range formatRules {
		if r.match(ct, ext) {
			return r.format
		}
	}
	return FormatText
}
