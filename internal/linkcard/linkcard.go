// Package linkcard reads Open Graph metadata for link preview cards.
package linkcard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// maxPageBytes bounds how much of a page is parsed
const maxPageBytes = 2 << 20

// ErrNoMetadata is returned when a page carries no usable title
var ErrNoMetadata = errors.New("no card metadata")

// Card is the preview for a link
type Card struct {
	URL         string
	Title       string
	Description string
	ImageURL    string
}

// Fetcher retrieves cards over HTTP
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// New creates a Fetcher. A nil client gets a default with a short timeout.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, userAgent: "threadmirror-linkcard/1.0"}
}

// Fetch downloads target and reads its card.
func (f *Fetcher) Fetch(ctx context.Context, target string) (*Card, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s returned status %d", target, resp.StatusCode)
	}

	// redirects may have moved us; relative image paths resolve against the final URL
	return Parse(io.LimitReader(resp.Body, maxPageBytes), resp.Request.URL)
}

// Parse reads a card from an HTML document. Open Graph tags win over
// Twitter card tags, which win over <title> and the description meta tag.
func Parse(r io.Reader, base *url.URL) (*Card, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	card := &Card{
		URL: base.String(),
		Title: first(
			meta(doc, "property", "og:title"),
			meta(doc, "name", "twitter:title"),
			strings.TrimSpace(doc.Find("head title").First().Text()),
		),
		Description: first(
			meta(doc, "property", "og:description"),
			meta(doc, "name", "twitter:description"),
			meta(doc, "name", "description"),
		),
	}
	if card.Title == "" {
		return nil, ErrNoMetadata
	}

	img := first(meta(doc, "property", "og:image"), meta(doc, "name", "twitter:image"))
	if img != "" {
		if u, err := base.Parse(img); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			card.ImageURL = u.String()
		}
	}

	return card, nil
}

func meta(doc *goquery.Document, attr, key string) string {
	var val string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr(attr, ""), key) {
			return true
		}
		val = strings.TrimSpace(s.AttrOr("content", ""))
		return val == ""
	})
	return val
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
