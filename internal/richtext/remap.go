package richtext

import (
	"bytes"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

// Defaults for the micro-blogging destination
const (
	DefaultMaxLength    = 290
	DefaultThreadMarker = " 🧵"
)

// Remap gives each chunk the annotations that lie entirely inside it,
// translated to chunk-local offsets. Annotations crossing a chunk boundary
// are dropped.
func Remap(chunks []Chunk, annotations []types.Annotation) []Chunk {
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.Annotations = nil
		end := c.Offset + len(c.Text)
		for _, a := range annotations {
			if a.Start >= a.End || a.Start < c.Offset || a.End > end {
				continue
			}
			a.Start -= c.Offset
			a.End -= c.Offset
			c.Annotations = append(c.Annotations, a)
		}
		out[i] = c
	}
	return out
}

// LayoutOptions controls how a post is laid out into chunks
type LayoutOptions struct {
	MaxLength    int
	ThreadMarker string
}

// Layout prepares, chunks and remaps a post. The thread marker goes on the
// first chunk of a multi-chunk post after remapping, so it never moves an
// annotation.
func Layout(post types.Post, opts LayoutOptions) []Chunk {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}

	p := Prepare(post)
	chunks := Remap(Segment(p.Text, opts.MaxLength), p.Annotations)
	if len(chunks) > 1 && opts.ThreadMarker != "" {
		chunks[0].Text += opts.ThreadMarker
	}
	return chunks
}

// StripHashtags removes hashtag tokens from the text and returns them as a
// de-duplicated tag list. Spaces left in front of a removed tag are dropped
// too. Link annotations are shifted to the new text.
func StripHashtags(p Prepared) (Prepared, []string) {
	anns := append([]types.Annotation(nil), p.Annotations...)
	sort.SliceStable(anns, func(i, j int) bool { return anns[i].Start < anns[j].Start })

	buf := make([]byte, 0, len(p.Text))
	var links []types.Annotation
	var tags []string
	prev := 0
	for _, a := range anns {
		if a.Start < prev || a.End > len(p.Text) {
			continue
		}
		buf = append(buf, p.Text[prev:a.Start]...)
		prev = a.End
		if a.Kind == types.KindHashtag {
			tags = append(tags, a.Target)
			buf = bytes.TrimRight(buf, " \t")
			continue
		}
		start := len(buf)
		buf = append(buf, p.Text[a.Start:a.End]...)
		a.Start, a.End = start, len(buf)
		links = append(links, a)
	}
	buf = append(buf, p.Text[prev:]...)

	text := string(buf)
	lead := len(text) - len(strings.TrimLeftFunc(text, unicode.IsSpace))
	text = strings.TrimSpace(text)

	kept := links[:0]
	for _, a := range links {
		a.Start -= lead
		a.End -= lead
		if a.Start >= 0 && a.End <= len(text) {
			kept = append(kept, a)
		}
	}

	return Prepared{Text: text, Annotations: kept}, lo.Uniq(tags)
}

// RuneOffset converts a byte offset in s to a code point offset.
func RuneOffset(s string, byteOffset int) int {
	if byteOffset > len(s) {
		byteOffset = len(s)
	}
	return utf8.RuneCountInString(s[:byteOffset])
}
