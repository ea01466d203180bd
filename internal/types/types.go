package types

import "time"

// Post represents a single mirrored X post
type Post struct {
	Text           string   `json:"text"`
	Images         []string `json:"images"`
	URL            string   `json:"url"`
	Retweeted      bool     `json:"retweeted"`
	QuoteRetweeted bool     `json:"quote_retweeted"`
	Quote          *string  `json:"quote"`
	URLs           []Entity `json:"urls"`
}

// Entity is a link span supplied by the source platform.
// Indices are code point offsets into Post.Text. An empty ExpandedURL marks a
// span that is removed from the display text (attached media links).
type Entity struct {
	DisplayURL  string `json:"display_url,omitempty"`
	ExpandedURL string `json:"expanded_url"`
	URL         string `json:"url,omitempty"`
	Indices     [2]int `json:"indices"`
}

// Thread is a root post followed by its self-replies in chronological order
type Thread []Post

// Normalize replaces nil slices with empty ones so the persisted JSON always
// carries arrays, and keeps QuoteRetweeted consistent with Quote.
func (p *Post) Normalize() {
	if p.Images == nil {
		p.Images = []string{}
	}
	if p.URLs == nil {
		p.URLs = []Entity{}
	}
	if p.Quote != nil && *p.Quote == "" {
		p.Quote = nil
	}
	p.QuoteRetweeted = p.Quote != nil
}

// QuotedURL returns the quoted post URL or "".
func (p *Post) QuotedURL() string {
	if p.Quote == nil {
		return ""
	}
	return *p.Quote
}

// AnnotationKind identifies a rich-text feature
type AnnotationKind string

const (
	KindLink    AnnotationKind = "link"
	KindHashtag AnnotationKind = "hashtag"
)

// Annotation is a link or hashtag span. Start and End are UTF-8 byte offsets
// into the text the annotation belongs to, End exclusive.
type Annotation struct {
	Kind   AnnotationKind `json:"kind"`
	Target string         `json:"target"` // URI for links, tag without '#' for hashtags
	Start  int            `json:"start"`
	End    int            `json:"end"`
}

// ReplyRef is the opaque handle a destination returns for a created post
type ReplyRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// IsZero reports whether the reference is unset.
func (r ReplyRef) IsZero() bool {
	return r.URI == "" && r.CID == ""
}

// ReplyChain links a new post into an existing reply chain
type ReplyChain struct {
	Root   ReplyRef `json:"root"`
	Parent ReplyRef `json:"parent"`
}

// Delivery records that a post was published on a destination, with the
// references needed to continue its thread there later.
type Delivery struct {
	Platform    string
	PostURL     string
	Root        ReplyRef
	Last        ReplyRef
	DeliveredAt time.Time
}

// Chain returns the reply chain a following post continues.
func (d Delivery) Chain() ReplyChain {
	return ReplyChain{Root: d.Root, Parent: d.Last}
}
