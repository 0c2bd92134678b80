package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"kbflow/internal/util"
)

const docxDocumentXMLPath = "word/document.xml"

var (
	// wtTag matches <w:t>text</w:t> with any attributes.
	wtTag = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	// paragraphEnd splits the body into paragraphs.
	paragraphEnd = regexp.MustCompile(`</w:p>`)
)

var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0}

// extractDOCX reads the OOXML body and emits one line per paragraph with blank lines
// between them. Legacy binary .doc files are rejected.
func extractDOCX(content []byte) (string, error) {
	if bytes.HasPrefix(content, oleMagic) {
		return "", fmt.Errorf("legacy .doc: %w", util.ErrUnsupportedFormat)
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", util.ErrUnsupportedFormat)
	}
	var docXML []byte
	for _, f := range zr.File {
		if f.Name != docxDocumentXMLPath {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", f.Name, err)
		}
		docXML, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		break
	}
	if docXML == nil {
		return "", fmt.Errorf("docx %s not found: %w", docxDocumentXMLPath, util.ErrUnsupportedFormat)
	}

	paragraphs := make([]string, 0, 16)
	for _, para := range paragraphEnd.Split(string(docXML), -1) {
		runs := wtTag.FindAllStringSubmatch(para, -1)
		if len(runs) == 0 {
			continue
		}
		var b strings.Builder
		for _, r := range runs {
			b.WriteString(html.UnescapeString(r[1]))
		}
		if line := strings.TrimSpace(b.String()); line != "" {
			paragraphs = append(paragraphs, line)
		}
	}
	return strings.Join(paragraphs, "\n\n"), nil
}
