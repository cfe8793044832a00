package tui

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestStreamAdvanceRuneBoundary(t *testing.T) {
	s := strings.Repeat("汉", 20) // 每个汉字 3 字节，共 60 字节

	pos := streamAdvance(s, 0, 32)
	assert.Equal(t, 30, pos)
	assert.True(t, utf8.ValidString(s[:pos]))

	pos = streamAdvance(s, pos, 32)
	assert.Equal(t, len(s), pos)
}
