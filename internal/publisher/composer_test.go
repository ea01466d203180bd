package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/linkcard"
	"github.com/ibeckermayer/threadmirror/internal/richtext"
	"github.com/ibeckermayer/threadmirror/internal/types"
)

type fakeClient struct {
	mu        sync.Mutex
	drafts    []Draft
	uploads   []Media
	failPost  int // 1-based draft number to reject, 0 for none
	uploadErr error
}

func (c *fakeClient) Login(ctx context.Context) error { return nil }

func (c *fakeClient) Upload(ctx context.Context, m Media) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploadErr != nil {
		return nil, c.uploadErr
	}
	c.uploads = append(c.uploads, m)
	return json.RawMessage(fmt.Sprintf(`{"ref":%d}`, len(c.uploads))), nil
}

func (c *fakeClient) CreatePost(ctx context.Context, d Draft) (types.ReplyRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drafts = append(c.drafts, d)
	n := len(c.drafts)
	if n == c.failPost {
		return types.ReplyRef{}, errors.New("rejected")
	}
	return types.ReplyRef{URI: fmt.Sprintf("at://post/%d", n), CID: fmt.Sprintf("c%d", n)}, nil
}

type fakeCards map[string]*linkcard.Card

func (f fakeCards) Fetch(ctx context.Context, url string) (*linkcard.Card, error) {
	if c, ok := f[url]; ok {
		return c, nil
	}
	return nil, linkcard.ErrNoMetadata
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "png:"+r.URL.Path)
	})
	mux.HandleFunc("/broken/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestComposer(client Client, srv *httptest.Server, cards CardSource, opts ComposerOptions) *Composer {
	var hc *http.Client
	if srv != nil {
		hc = srv.Client()
	}
	if opts.Layout.MaxLength == 0 {
		opts.Layout = richtext.LayoutOptions{MaxLength: 20, ThreadMarker: richtext.DefaultThreadMarker}
	}
	return NewComposer("bluesky", client, NewMediaFetcher(hc, 2), cards, opts, zerolog.Nop())
}

func TestComposePostChainsChunks(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)
	client := &fakeClient{}
	c := newTestComposer(client, srv, nil, ComposerOptions{})

	post := types.Post{
		URL:    "https://x.com/u/status/1",
		Text:   "first chunk words then second chunk words #tag",
		Images: []string{srv.URL + "/img/a.png", srv.URL + "/img/b.png"},
	}
	chain, err := c.ComposePost(context.Background(), post, nil)
	if err != nil {
		t.Fatalf("ComposePost: %v", err)
	}

	if len(client.drafts) < 2 {
		t.Fatalf("got %d drafts, want several chunks", len(client.drafts))
	}
	first := client.drafts[0]
	if first.Reply != nil {
		t.Errorf("root chunk has reply %+v", first.Reply)
	}
	if !strings.HasSuffix(first.Text, richtext.DefaultThreadMarker) {
		t.Errorf("root chunk %q lacks the thread marker", first.Text)
	}
	if len(first.Images) != 2 || first.Images[0].Alt != "Tweet Image" {
		t.Errorf("root images = %+v", first.Images)
	}
	if string(first.Images[0].Blob) != `{"ref":1}` || string(first.Images[1].Blob) != `{"ref":2}` {
		t.Errorf("image order not kept: %s %s", first.Images[0].Blob, first.Images[1].Blob)
	}

	root := types.ReplyRef{URI: "at://post/1", CID: "c1"}
	for i, d := range client.drafts[1:] {
		if len(d.Images) != 0 {
			t.Errorf("chunk %d carries images", i+1)
		}
		if d.Reply == nil || d.Reply.Root != root {
			t.Fatalf("chunk %d reply = %+v", i+1, d.Reply)
		}
		if want := fmt.Sprintf("at://post/%d", i+1); d.Reply.Parent.URI != want {
			t.Errorf("chunk %d parent = %s, want %s", i+1, d.Reply.Parent.URI, want)
		}
	}

	last := client.drafts[len(client.drafts)-1]
	if len(last.Annotations) != 1 || last.Annotations[0].Target != "tag" {
		t.Errorf("last chunk annotations = %+v", last.Annotations)
	}
	if chain.Root != root || chain.Parent.URI != fmt.Sprintf("at://post/%d", len(client.drafts)) {
		t.Errorf("chain = %+v", chain)
	}
}

func TestComposePostContinuesChain(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestComposer(client, nil, nil, ComposerOptions{})

	in := types.ReplyChain{
		Root:   types.ReplyRef{URI: "at://root", CID: "r"},
		Parent: types.ReplyRef{URI: "at://prev", CID: "p"},
	}
	chain, err := c.ComposePost(context.Background(), types.Post{Text: "short"}, &in)
	if err != nil {
		t.Fatalf("ComposePost: %v", err)
	}
	if d := client.drafts[0]; d.Reply == nil || *d.Reply != in {
		t.Errorf("reply = %+v, want %+v", d.Reply, in)
	}
	if chain.Root != in.Root || chain.Parent.URI != "at://post/1" {
		t.Errorf("chain = %+v", chain)
	}
}

func TestComposePostChunkFailure(t *testing.T) {
	t.Parallel()

	client := &fakeClient{failPost: 2}
	c := newTestComposer(client, nil, nil, ComposerOptions{})

	chain, err := c.ComposePost(context.Background(), types.Post{Text: "alpha beta gamma delta epsilon zeta eta theta"}, nil)
	if !errors.Is(err, ErrPost) {
		t.Fatalf("err = %v, want ErrPost", err)
	}
	if len(client.drafts) != 2 {
		t.Errorf("posted %d drafts after failure, want 2", len(client.drafts))
	}
	if chain.Parent.URI != "at://post/1" {
		t.Errorf("chain = %+v, want the first chunk", chain)
	}
}

func TestComposePostMediaPolicy(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)

	tests := []struct {
		name       string
		policy     MediaPolicy
		images     []string
		uploadErr  error
		wantErr    error
		wantDrafts int
	}{
		{"text only on fetch failure", MediaTextOnly, []string{srv.URL + "/broken/x.png"}, nil, nil, 1},
		{"text only on upload failure", MediaTextOnly, []string{srv.URL + "/img/x.png"}, errors.New("too big"), nil, 1},
		{"fail policy", MediaFail, []string{srv.URL + "/broken/x.png"}, nil, ErrMedia, 0},
		{"auth failure is never swallowed", MediaTextOnly, []string{srv.URL + "/img/x.png"}, ErrAuth, ErrAuth, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{uploadErr: tt.uploadErr}
			c := newTestComposer(client, srv, nil, ComposerOptions{MediaPolicy: tt.policy})

			_, err := c.ComposePost(context.Background(), types.Post{Text: "pic", Images: tt.images}, nil)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if len(client.drafts) != tt.wantDrafts {
				t.Fatalf("drafts = %d, want %d", len(client.drafts), tt.wantDrafts)
			}
			if tt.wantDrafts > 0 && len(client.drafts[0].Images) != 0 {
				t.Errorf("images attached despite failure")
			}
		})
	}
}

func TestComposePostCapsImages(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)
	client := &fakeClient{}
	c := newTestComposer(client, srv, nil, ComposerOptions{MaxImages: 4})

	var imgs []string
	for i := 0; i < 6; i++ {
		imgs = append(imgs, fmt.Sprintf("%s/img/%d.png", srv.URL, i))
	}
	if _, err := c.ComposePost(context.Background(), types.Post{Text: "many", Images: imgs}, nil); err != nil {
		t.Fatalf("ComposePost: %v", err)
	}
	if n := len(client.drafts[0].Images); n != 4 {
		t.Errorf("attached %d images, want 4", n)
	}
}

func TestComposePostLinkCard(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)
	quote := "https://x.com/other/status/9"
	cards := fakeCards{
		quote: {URL: quote, Title: "Quoted", Description: "desc", ImageURL: srv.URL + "/img/thumb.png"},
		"https://example.com/plain": {URL: "https://example.com/plain", Title: "Plain"},
	}

	t.Run("quoted post", func(t *testing.T) {
		client := &fakeClient{}
		c := newTestComposer(client, srv, cards, ComposerOptions{LinkCards: true, Layout: richtext.LayoutOptions{MaxLength: 300}})
		if _, err := c.ComposePost(context.Background(), types.Post{Text: "look", Quote: &quote}, nil); err != nil {
			t.Fatalf("ComposePost: %v", err)
		}
		ext := client.drafts[0].External
		if ext == nil || ext.URI != quote || ext.Title != "Quoted" || string(ext.Thumb) != `{"ref":1}` {
			t.Errorf("external = %+v", ext)
		}
	})

	t.Run("first link without thumbnail", func(t *testing.T) {
		client := &fakeClient{}
		c := newTestComposer(client, srv, cards, ComposerOptions{LinkCards: true, Layout: richtext.LayoutOptions{MaxLength: 300}})
		if _, err := c.ComposePost(context.Background(), types.Post{Text: "read https://example.com/plain"}, nil); err != nil {
			t.Fatalf("ComposePost: %v", err)
		}
		ext := client.drafts[0].External
		if ext == nil || ext.Title != "Plain" || ext.Thumb != nil {
			t.Errorf("external = %+v", ext)
		}
	})

	t.Run("images win over cards", func(t *testing.T) {
		client := &fakeClient{}
		c := newTestComposer(client, srv, cards, ComposerOptions{LinkCards: true, Layout: richtext.LayoutOptions{MaxLength: 300}})
		post := types.Post{Text: "look", Quote: &quote, Images: []string{srv.URL + "/img/a.png"}}
		if _, err := c.ComposePost(context.Background(), post, nil); err != nil {
			t.Fatalf("ComposePost: %v", err)
		}
		if client.drafts[0].External != nil {
			t.Errorf("card attached next to images")
		}
	})

	t.Run("unknown page means no card", func(t *testing.T) {
		client := &fakeClient{}
		c := newTestComposer(client, srv, cards, ComposerOptions{LinkCards: true, Layout: richtext.LayoutOptions{MaxLength: 300}})
		if _, err := c.ComposePost(context.Background(), types.Post{Text: "see https://nowhere.example"}, nil); err != nil {
			t.Fatalf("ComposePost: %v", err)
		}
		if client.drafts[0].External != nil {
			t.Errorf("unexpected card %+v", client.drafts[0].External)
		}
	})
}

func TestFetchAllKeepsOrder(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)
	f := NewMediaFetcher(srv.Client(), 3)
	urls := []string{srv.URL + "/img/1", srv.URL + "/img/2", srv.URL + "/img/3", srv.URL + "/img/4"}

	media, err := f.FetchAll(context.Background(), urls)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	for i, m := range media {
		if want := "png:/img/" + fmt.Sprint(i+1); string(m.Data) != want {
			t.Errorf("media %d = %q, want %q", i, m.Data, want)
		}
		if m.MimeType != "image/png" {
			t.Errorf("media %d mime = %q", i, m.MimeType)
		}
	}

	if _, err := f.FetchAll(context.Background(), append(urls, srv.URL+"/broken/5")); !errors.Is(err, ErrMedia) {
		t.Errorf("err = %v, want ErrMedia", err)
	}
}
