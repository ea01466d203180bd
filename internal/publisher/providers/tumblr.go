package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/publisher"
	"github.com/ibeckermayer/threadmirror/internal/richtext"
	"github.com/ibeckermayer/threadmirror/internal/types"
)

// DefaultTumblrAPI is the Tumblr API root
const DefaultTumblrAPI = "https://api.tumblr.com"

// errUnauthorized marks a 401/403 response from the Tumblr API
var errUnauthorized = errors.New("unauthorized")

// TumblrCredentials are the OAuth1 keys of a registered Tumblr app
type TumblrCredentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// Tumblr publishes each post as a single unchunked NPF post. Tumblr has no
// reply threading, so the chain it returns only records the latest post.
type Tumblr struct {
	api      string
	blog     string
	imageAlt string
	client   *http.Client
	log      zerolog.Logger
}

// NewTumblr creates a Tumblr destination posting to blog. base, when not
// nil, is the transport the signed client wraps.
func NewTumblr(api, blog string, creds TumblrCredentials, base *http.Client, log zerolog.Logger) *Tumblr {
	if api == "" {
		api = DefaultTumblrAPI
	}

	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, base)
	}
	config := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	token := oauth1.NewToken(creds.Token, creds.TokenSecret)

	return &Tumblr{
		api:      strings.TrimRight(api, "/"),
		blog:     blog,
		imageAlt: "Tweet Image",
		client:   config.Client(ctx, token),
		log:      log.With().Str("destination", "tumblr").Logger(),
	}
}

// Name implements publisher.Destination.
func (t *Tumblr) Name() string { return "tumblr" }

type tumblrEnvelope struct {
	Meta struct {
		Status int    `json:"status"`
		Msg    string `json:"msg"`
	} `json:"meta"`
	Response json.RawMessage `json:"response"`
	Errors   []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// Login checks the credentials against /v2/user/info.
func (t *Tumblr) Login(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.api+"/v2/user/info", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if _, err := t.do(req); err != nil {
		return classify(err, publisher.ErrAuth, "tumblr credential check failed")
	}
	return nil
}

type npfMedia struct {
	URL string `json:"url"`
}

type npfFormatting struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
}

type npfBlock struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	Formatting []npfFormatting `json:"formatting,omitempty"`
	Media      []npfMedia      `json:"media,omitempty"`
	AltText    string          `json:"alt_text,omitempty"`
}

type npfPost struct {
	Content []npfBlock `json:"content"`
	State   string     `json:"state"`
	Tags    string     `json:"tags,omitempty"`
}

// buildPost renders a post as NPF: image blocks first, then the text with
// hashtags moved into the tag list. Link formatting ranges are in code
// points.
func (t *Tumblr) buildPost(post types.Post) npfPost {
	p, tags := richtext.StripHashtags(richtext.Prepare(post))

	out := npfPost{State: "published", Tags: strings.Join(tags, ",")}
	for _, img := range post.Images {
		out.Content = append(out.Content, npfBlock{
			Type:    "image",
			Media:   []npfMedia{{URL: img}},
			AltText: t.imageAlt,
		})
	}

	text := npfBlock{Type: "text", Text: p.Text}
	for _, a := range p.Annotations {
		if a.Kind != types.KindLink {
			continue
		}
		text.Formatting = append(text.Formatting, npfFormatting{
			Start: richtext.RuneOffset(p.Text, a.Start),
			End:   richtext.RuneOffset(p.Text, a.End),
			Type:  "link",
			URL:   a.Target,
		})
	}
	if text.Text != "" || len(out.Content) == 0 {
		out.Content = append(out.Content, text)
	}
	return out
}

// PublishPost implements publisher.Destination.
func (t *Tumblr) PublishPost(ctx context.Context, post types.Post, chain *types.ReplyChain) (types.ReplyChain, error) {
	body, err := json.Marshal(t.buildPost(post))
	if err != nil {
		return types.ReplyChain{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/blog/%s/posts", t.api, url.PathEscape(t.blog))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.ReplyChain{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := t.do(req)
	if err != nil {
		return types.ReplyChain{}, classify(err, publisher.ErrPost, "failed to post %s to tumblr", post.URL)
	}

	var created struct {
		IDString string      `json:"id_string"`
		ID       json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return types.ReplyChain{}, fmt.Errorf("%w: failed to parse tumblr response: %v", publisher.ErrPost, err)
	}
	id := created.IDString
	if id == "" {
		id = created.ID.String()
	}

	ref := types.ReplyRef{URI: fmt.Sprintf("https://%s/post/%s", t.blogHost(), id)}
	t.log.Debug().Str("post_url", post.URL).Str("tumblr_id", id).Msg("Post published")

	if chain == nil {
		return types.ReplyChain{Root: ref, Parent: ref}, nil
	}
	return types.ReplyChain{Root: chain.Root, Parent: ref}, nil
}

func (t *Tumblr) blogHost() string {
	if strings.Contains(t.blog, ".") {
		return t.blog
	}
	return t.blog + ".tumblr.com"
}

func (t *Tumblr) do(req *http.Request) (json.RawMessage, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call tumblr: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env tumblrEnvelope
	_ = json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := env.Meta.Msg
		if len(env.Errors) > 0 {
			detail = env.Errors[0].Title + ": " + env.Errors[0].Detail
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("tumblr returned status %d (%s): %w", resp.StatusCode, detail, errUnauthorized)
		}
		return nil, fmt.Errorf("tumblr returned status %d (%s)", resp.StatusCode, detail)
	}
	return env.Response, nil
}
