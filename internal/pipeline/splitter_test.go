package pipeline

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextIsSingleChunk(t *testing.T) {
	s := NewSplitter(1000, 200)
	assert.Equal(t, []string{"Cells divide."}, s.Split("  Cells divide.  "))
	assert.Empty(t, s.Split("   "))
}

func TestSplitPrefersParagraphBreaks(t *testing.T) {
	s := NewSplitter(100, 20)
	p1 := strings.Repeat("a", 70)
	p2 := strings.Repeat("b", 70)
	chunks := s.Split(p1 + "\n\n" + p2)
	require.NotEmpty(t, chunks)
	assert.Equal(t, p1, chunks[0])
	assert.Contains(t, chunks[len(chunks)-1], p2)
}

func TestSplitPrefersSentenceEnds(t *testing.T) {
	s := NewSplitter(60, 10)
	text := "Mitosis produces two identical cells. Meiosis produces four gametes with half the chromosomes."
	chunks := s.Split(text)
	require.True(t, len(chunks) >= 2)
	assert.Equal(t, "Mitosis produces two identical cells.", chunks[0])
}

func TestSplitHardCutsWithoutBoundaries(t *testing.T) {
	s := NewSplitter(10, 2)
	chunks := s.Split(strings.Repeat("x", 25))
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, "xxxxxxxxxx", chunks[0])
	assert.Equal(t, 3, len(chunks))
}

func TestSplitOverlapsAndRespectsSize(t *testing.T) {
	s := NewSplitter(200, 50)
	var words []string
	for i := 0; i < 300; i++ {
		words = append(words, "word")
	}
	text := strings.Join(words, " ")
	chunks := s.Split(text)
	require.True(t, len(chunks) > 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 200)
		assert.False(t, strings.HasPrefix(c, "ord"), "chunk must start on a word boundary")
	}
	// 相邻分块之间有重叠文本
	tail := chunks[0][len(chunks[0])-20:]
	assert.Contains(t, chunks[1], strings.TrimSpace(tail))
}

func TestNewSplitterFallsBackOnInvalidOverlap(t *testing.T) {
	s := NewSplitter(0, 5000)
	assert.Equal(t, 1000, s.Size)
	assert.Equal(t, 200, s.Overlap)
}

func TestNormalizeText(t *testing.T) {
	in := "Chapter 1\r\n\r\n\r\n  The   cell\tcycle \n has phases.\n\n\n"
	assert.Equal(t, "Chapter 1\n\nThe cell cycle\nhas phases.", NormalizeText(in))
}
