package splitter

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// TextSplitter wraps the langchaingo recursive character splitter.
type TextSplitter struct {
	splitter  textsplitter.TextSplitter
	chunkSize int
}

// NewRecursiveCharacterTextSplitter creates a new recursive character text splitter
func NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap int) *TextSplitter {
	ts := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)

	return &TextSplitter{splitter: ts, chunkSize: chunkSize}
}

// SplitText splits text into chunks
func (ts *TextSplitter) SplitText(text string) ([]string, error) {
	return ts.splitter.SplitText(text)
}

// Bound returns the leading chunks of text that fit in maxChars, cut on
// paragraph or sentence boundaries where possible. The second return value
// is true when anything was dropped.
func (ts *TextSplitter) Bound(text string, maxChars int) (string, bool) {
	if maxChars <= 0 || len(text) <= maxChars {
		return text, false
	}

	chunks, err := ts.splitter.SplitText(text)
	if err != nil || len(chunks) == 0 {
		return truncateRunes(text, maxChars), true
	}

	var b strings.Builder
	for _, c := range chunks {
		if b.Len()+len(c)+2 > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c)
	}
	if b.Len() == 0 {
		return truncateRunes(chunks[0], maxChars), true
	}
	return b.String(), true
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	size := 0
	for i, r := range runes {
		size += len(string(r))
		if size > n {
			return string(runes[:i])
		}
	}
	return s
}
