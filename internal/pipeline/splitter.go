package pipeline

import (
	"strings"
	"unicode"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// Splitter 按字符数把文本切成互相重叠的分块。
// 切点优先选段落边界，其次句末，再次空白，都没有时硬切。
type Splitter struct {
	Size    int
	Overlap int
}

// NewSplitter 返回一个 Splitter，非法参数回退为默认值。
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return Splitter{Size: size, Overlap: overlap}
}

// Split 切分文本，返回的分块都已去掉首尾空白且非空。
func (s Splitter) Split(text string) []string {
	runes := []rune(text)
	var chunks []string
	start := 0
	for start < len(runes) {
		if len(runes)-start <= s.Size {
			chunks = appendChunk(chunks, runes[start:])
			break
		}
		end := start + s.Size
		cut := s.cutPoint(runes, start, end)
		chunks = appendChunk(chunks, runes[start:cut])

		next := cut - s.Overlap
		if next <= start {
			next = cut
		}
		// 重叠部分从词边界开始
		for i := next; i < cut; i++ {
			if unicode.IsSpace(runes[i]) {
				next = i + 1
				break
			}
		}
		start = next
	}
	return chunks
}

// cutPoint 在 [start+Size/2, end] 内寻找最靠后的自然边界，返回切点（不含）。
func (s Splitter) cutPoint(runes []rune, start, end int) int {
	lo := start + s.Size/2
	for i := end - 1; i > lo; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > lo; i-- {
		if isSentenceEnd(runes[i-1]) && unicode.IsSpace(runes[i]) {
			return i
		}
		if isCJKSentenceEnd(runes[i-1]) {
			return i
		}
	}
	for i := end - 1; i > lo; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCJKSentenceEnd(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func appendChunk(chunks []string, runes []rune) []string {
	if c := strings.TrimSpace(string(runes)); c != "" {
		return append(chunks, c)
	}
	return chunks
}

// NormalizeText 统一换行、压缩行内空白，并把连续空行合并为一个段落分隔。
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}
