// Package richtext turns post text into platform-sized chunks with link and
// hashtag annotations expressed in byte offsets of the text they belong to.
package richtext

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

var (
	linkRe         = regexp.MustCompile(`\bhttps?://[^\s]+`)
	hashtagRe      = regexp.MustCompile(`#[A-Za-z0-9_]+`)
	ellipsisLinkRe = regexp.MustCompile(`\bhttps?://\S+…`)
)

// Prepared is display text together with its annotations
type Prepared struct {
	Text        string
	Annotations []types.Annotation
}

// Extract splices the source entities into text and scans the resulting
// display text for links and hashtags.
func Extract(text string, entities []types.Entity) Prepared {
	display, anns := splice(text, entities)
	anns = scan(display, anns)
	sortAnnotations(anns)
	return Prepared{Text: display, Annotations: anns}
}

// Prepare builds the display text for a post. A quoted post URL that does not
// already appear in the text is appended on its own paragraph.
func Prepare(post types.Post) Prepared {
	display, anns := splice(post.Text, post.URLs)

	if q := post.QuotedURL(); q != "" && !strings.Contains(display, q) {
		display = strings.TrimRightFunc(display, unicode.IsSpace)
		kept := anns[:0]
		for _, a := range anns {
			if a.End <= len(display) {
				kept = append(kept, a)
			}
		}
		anns = kept
		if display != "" {
			display += "\n\n"
		}
		display += q
	}

	anns = scan(display, anns)
	sortAnnotations(anns)
	return Prepared{Text: display, Annotations: anns}
}

// splice replaces every valid entity span with its expansion. Walking the
// entities in ascending order while writing into a fresh builder yields the
// same text as splicing in descending order, and gives the display offsets
// of each expansion directly.
func splice(text string, entities []types.Entity) (string, []types.Annotation) {
	if len(entities) == 0 {
		return cleanLinks(text), nil
	}

	runes := []rune(text)
	valid := make([]types.Entity, 0, len(entities))
	for _, e := range entities {
		start, end := e.Indices[0], e.Indices[1]
		if start < 0 || end < start || end > len(runes) {
			continue
		}
		valid = append(valid, e)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Indices[0] < valid[j].Indices[0]
	})

	var b strings.Builder
	var anns []types.Annotation
	prev := 0
	for _, e := range valid {
		start, end := e.Indices[0], e.Indices[1]
		if start < prev {
			// overlaps the previous entity
			continue
		}
		b.WriteString(cleanLinks(string(runes[prev:start])))
		if e.ExpandedURL != "" {
			offset := b.Len()
			b.WriteString(e.ExpandedURL)
			if isLink(e.ExpandedURL) {
				anns = append(anns, types.Annotation{
					Kind:   types.KindLink,
					Target: e.ExpandedURL,
					Start:  offset,
					End:    b.Len(),
				})
			}
		}
		prev = end
	}
	b.WriteString(cleanLinks(string(runes[prev:])))

	return b.String(), anns
}

// cleanLinks drops the ellipsis the source appends to truncated links.
func cleanLinks(s string) string {
	if !strings.Contains(s, "…") {
		return s
	}
	return ellipsisLinkRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.TrimSuffix(m, "…")
	})
}

// scan appends link and hashtag spans found in text that do not overlap any
// span already present in anns.
func scan(text string, anns []types.Annotation) []types.Annotation {
	for _, loc := range linkRe.FindAllStringIndex(text, -1) {
		start := loc[0]
		candidate := trimLinkPunctuation(text[loc[0]:loc[1]])
		end := start + len(candidate)
		if !isLink(candidate) || overlapsAny(anns, start, end) {
			continue
		}
		anns = append(anns, types.Annotation{
			Kind:   types.KindLink,
			Target: candidate,
			Start:  start,
			End:    end,
		})
	}

	for _, loc := range hashtagRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 {
			if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(r) {
				continue
			}
		}
		tag := text[start+1 : end]
		if overlapsAny(anns, start, end) {
			continue
		}
		anns = append(anns, types.Annotation{
			Kind:   types.KindHashtag,
			Target: tag,
			Start:  start,
			End:    end,
		})
	}

	return anns
}

// IsNumericTag reports whether tag is only digits, like the "1" of "#1".
// Bluesky does not link such tags; Tumblr still files the post under them.
func IsNumericTag(tag string) bool {
	return tag != "" && strings.Trim(tag, "0123456789") == ""
}

// trimLinkPunctuation strips sentence punctuation that the link pattern
// swallows. A closing parenthesis is kept while it balances an opening one.
func trimLinkPunctuation(s string) string {
	for s != "" {
		last := s[len(s)-1]
		switch last {
		case '.', ',', ';', ':', '!', '?', '\'', '"', ']', '}':
			s = s[:len(s)-1]
			continue
		case ')':
			if strings.Count(s, "(") < strings.Count(s, ")") {
				s = s[:len(s)-1]
				continue
			}
		}
		break
	}
	return s
}

func isLink(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Hostname() != "" && !strings.ContainsAny(u.Hostname(), "…")
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func overlapsAny(anns []types.Annotation, start, end int) bool {
	for _, a := range anns {
		if start < a.End && a.Start < end {
			return true
		}
	}
	return false
}

func sortAnnotations(anns []types.Annotation) {
	sort.SliceStable(anns, func(i, j int) bool {
		return anns[i].Start < anns[j].Start
	})
}
