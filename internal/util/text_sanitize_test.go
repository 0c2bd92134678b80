package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "abcd\n\txy", SanitizeText("ab\x00cd\x01\x02\n\txy"))
	assert.Equal(t, "para one\r\n\r\npara two", SanitizeText("  para one\r\n\r\npara two\x7f \n"))
	assert.Equal(t, "", SanitizeText("\x00\x00"))
	assert.Equal(t, "日本語。", SanitizeText("日本語。"))
}
