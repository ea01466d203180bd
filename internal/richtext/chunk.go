package richtext

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

// Chunk is a length-bounded piece of a display text
type Chunk struct {
	Text        string
	Offset      int // byte offset of Text in the full display text
	Annotations []types.Annotation
}

// Split cuts text into pieces of at most max runes, preferring whitespace
// boundaries. A word longer than max is cut mid-word at exactly max runes.
// The result is never empty; empty input yields a single empty string.
func Split(text string, max int) []string {
	chunks := Segment(text, max)
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// Segment is Split but keeps the byte offset of every piece.
func Segment(text string, max int) []Chunk {
	if max < 1 {
		max = 1
	}

	var chunks []Chunk
	pos := skipSpace(text, 0)
	for utf8.RuneCountInString(text[pos:]) > max {
		rest := text[pos:]
		cut := runePrefixLen(rest, max)

		// The candidate already ends on a word boundary when the next rune
		// is whitespace; otherwise back off to the last whitespace in it.
		if next, _ := utf8.DecodeRuneInString(rest[cut:]); !unicode.IsSpace(next) {
			if ws := strings.LastIndexFunc(rest[:cut], unicode.IsSpace); ws > 0 {
				cut = ws
			}
		}

		chunks = append(chunks, Chunk{
			Text:   strings.TrimRightFunc(rest[:cut], unicode.IsSpace),
			Offset: pos,
		})
		pos = skipSpace(text, pos+cut)
	}

	last := strings.TrimRightFunc(text[pos:], unicode.IsSpace)
	if last != "" || len(chunks) == 0 {
		chunks = append(chunks, Chunk{Text: last, Offset: pos})
	}
	return chunks
}

// runePrefixLen returns the byte length of the first n runes of s.
func runePrefixLen(s string, n int) int {
	i := 0
	for j := 0; j < n && i < len(s); j++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

func skipSpace(s string, pos int) int {
	for pos < len(s) {
		r, size := utf8.DecodeRuneInString(s[pos:])
		if !unicode.IsSpace(r) {
			break
		}
		pos += size
	}
	return pos
}
