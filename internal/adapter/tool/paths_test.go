package tool

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFilename(t *testing.T) {
	ts := time.Date(2024, 3, 7, 9, 5, 2, 0, time.UTC)
	assert.Equal(t, "file-20240307-090502.txt", DefaultFilename(ts))
}

func TestSplitChunks(t *testing.T) {
	assert.Nil(t, splitChunks("", chunkSize))
	assert.Equal(t, []string{"abc"}, splitChunks("abc", chunkSize))

	long := strings.Repeat("x", 2500)
	parts := splitChunks(long, chunkSize)
	assert.Len(t, parts, 3)
	assert.Len(t, parts[0], 1024)
	assert.Len(t, parts[1], 1024)
	assert.Len(t, parts[2], 452)
}

func TestSplitChunksKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes: a 1023-byte prefix forces the boundary mid-rune.
	s := strings.Repeat("a", 1023) + strings.Repeat("é", 10)
	parts := splitChunks(s, chunkSize)
	assert.Equal(t, s, strings.Join(parts, ""))
	for _, p := range parts {
		assert.True(t, utf8.ValidString(p))
		assert.LessOrEqual(t, len(p), chunkSize)
	}
	assert.Len(t, parts[0], 1023)
}
