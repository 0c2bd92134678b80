package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"kbflow/internal/util"
)

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		contentType string
		filename    string
		want        Format
	}{
		{mimeDOCX, "a.bin", FormatWord},
		{"application/msword", "", FormatWord},
		{"application/vnd.ms-word.document.macroEnabled.12", "", FormatWord},
		{"application/octet-stream", "report.DOCX", FormatWord},
		{"", "legacy.doc", FormatWord},
		{"application/pdf", "", FormatPDF},
		{"application/octet-stream", "paper.pdf", FormatPDF},
		{"text/markdown; charset=utf-8", "", FormatMarkdown},
		{"text/plain", "notes.md", FormatMarkdown},
		{"", "notes.markdown", FormatMarkdown},
		{"text/plain", "notes.txt", FormatText},
		{"", "", FormatText},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, DetectFormat(tc.contentType, tc.filename), "%q %q", tc.contentType, tc.filename)
	}
}

func TestDetectFormatPrefersWordOverPDFExtension(t *testing.T) {
	require.Equal(t, FormatWord, DetectFormat(mimeDOCX, "odd.pdf"))
}

func TestExtractTextPlainAndMarkdown(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractText(context.Background(), []byte("# Title\n\nbody"), FormatMarkdown)
	require.NoError(t, err)
	require.Equal(t, "# Title\n\nbody", got)

	got, err = e.ExtractText(context.Background(), []byte("hello\x80world"), FormatText)
	require.NoError(t, err)
	require.Equal(t, "hello\uFFFDworld", got)
}

func buildDOCX(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(docxDocumentXMLPath)
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?><w:document><w:body>` + body + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractDOCXParagraphs(t *testing.T) {
	data := buildDOCX(t,
		`<w:p w:rsidR="00A1"><w:r><w:t>First </w:t></w:r><w:r><w:t xml:space="preserve">paragraph &amp; more</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t>Second paragraph</w:t></w:r></w:p>`+
			`<w:p></w:p>`)
	got, err := NewExtractor().ExtractText(context.Background(), data, FormatWord)
	require.NoError(t, err)
	require.Equal(t, "First paragraph & more\n\nSecond paragraph", got)
}

func TestExtractLegacyDocUnsupported(t *testing.T) {
	data := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, make([]byte, 64)...)
	_, err := NewExtractor().ExtractText(context.Background(), data, FormatWord)
	require.True(t, errors.Is(err, util.ErrUnsupportedFormat))
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	_, err := NewExtractor().ExtractText(context.Background(), []byte("not a pdf"), FormatPDF)
	require.Error(t, err)
}

func TestValidateText(t *testing.T) {
	require.ErrorIs(t, ValidateText(""), util.ErrEmptyContent)
	require.ErrorIs(t, ValidateText(" \n\t "), util.ErrEmptyContent)
	require.ErrorIs(t, ValidateText("%PDF-1.7\nstuff"), util.ErrBinaryContent)
	require.ErrorIs(t, ValidateText("ab\x01cd"), util.ErrBinaryContent)
	require.NoError(t, ValidateText("line one\n\tline two\r\n"))

	late := string(bytes.Repeat([]byte("a"), 150)) + "\x02"
	require.NoError(t, ValidateText(late))
}
