package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/ibeckermayer/threadmirror/internal/publisher"
	"github.com/ibeckermayer/threadmirror/internal/richtext"
	"github.com/ibeckermayer/threadmirror/internal/types"
)

const (
	// DefaultBlueskyService is the PDS used when none is configured
	DefaultBlueskyService = "https://bsky.social"

	postCollection = "app.bsky.feed.post"
	createdAtForm  = "2006-01-02T15:04:05.000Z"
)

// Bluesky talks XRPC to an AT Protocol PDS
type Bluesky struct {
	service  string
	handle   string
	password string
	client   *http.Client

	mu   sync.Mutex
	sess *xrpc.Client
}

// NewBluesky creates a client for service logging in as handle with an app
// password.
func NewBluesky(service, handle, appPassword string, client *http.Client) *Bluesky {
	if service == "" {
		service = DefaultBlueskyService
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Bluesky{
		service:  strings.TrimRight(service, "/"),
		handle:   handle,
		password: appPassword,
		client:   client,
	}
}

// Login creates a new session.
func (b *Bluesky) Login(ctx context.Context) error {
	anon := &xrpc.Client{Client: b.client, Host: b.service}

	sess, err := atproto.ServerCreateSession(ctx, anon, &atproto.ServerCreateSession_Input{
		Identifier: b.handle,
		Password:   b.password,
	})
	if err != nil {
		if isAuthError(err) {
			return fmt.Errorf("%w: bluesky rejected %s: %v", publisher.ErrAuth, b.handle, err)
		}
		return fmt.Errorf("failed to create bluesky session: %w", err)
	}
	if sess.AccessJwt == "" || sess.Did == "" {
		return fmt.Errorf("%w: bluesky session for %s is incomplete", publisher.ErrAuth, b.handle)
	}

	c := &xrpc.Client{
		Client: b.client,
		Host:   b.service,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  sess.AccessJwt,
			RefreshJwt: sess.RefreshJwt,
			Handle:     sess.Handle,
			Did:        sess.Did,
		},
	}

	b.mu.Lock()
	b.sess = c
	b.mu.Unlock()
	return nil
}

func (b *Bluesky) current() (*xrpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil, fmt.Errorf("%w: not logged in to bluesky", publisher.ErrAuth)
	}
	return b.sess, nil
}

// Upload stores an image as a blob and returns the blob object.
func (b *Bluesky) Upload(ctx context.Context, m publisher.Media) (json.RawMessage, error) {
	c, err := b.current()
	if err != nil {
		return nil, err
	}

	out, err := atproto.RepoUploadBlob(ctx, c, bytes.NewReader(m.Data))
	if err != nil {
		return nil, classify(err, publisher.ErrMedia, "failed to upload %s", m.URL)
	}
	if out.Blob == nil {
		return nil, fmt.Errorf("%w: upload of %s returned no blob", publisher.ErrMedia, m.URL)
	}

	blob, err := json.Marshal(out.Blob)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode blob of %s: %v", publisher.ErrMedia, m.URL, err)
	}
	return blob, nil
}

// CreatePost writes one app.bsky.feed.post record.
func (b *Bluesky) CreatePost(ctx context.Context, d publisher.Draft) (types.ReplyRef, error) {
	c, err := b.current()
	if err != nil {
		return types.ReplyRef{}, err
	}

	rec, err := buildRecord(d)
	if err != nil {
		return types.ReplyRef{}, fmt.Errorf("%w: %v", publisher.ErrPost, err)
	}

	out, err := atproto.RepoCreateRecord(ctx, c, &atproto.RepoCreateRecord_Input{
		Repo:       c.Auth.Did,
		Collection: postCollection,
		Record:     &lexutil.LexiconTypeDecoder{Val: rec},
	})
	if err != nil {
		return types.ReplyRef{}, classify(err, publisher.ErrPost, "failed to create post")
	}
	return types.ReplyRef{URI: out.Uri, CID: out.Cid}, nil
}

func buildRecord(d publisher.Draft) (*bsky.FeedPost, error) {
	rec := &bsky.FeedPost{
		LexiconTypeID: postCollection,
		Text:          d.Text,
		CreatedAt:     d.CreatedAt.UTC().Format(createdAtForm),
		Facets:        facets(d.Annotations),
	}

	if d.Reply != nil {
		rec.Reply = &bsky.FeedPost_ReplyRef{
			Root:   &atproto.RepoStrongRef{Uri: d.Reply.Root.URI, Cid: d.Reply.Root.CID},
			Parent: &atproto.RepoStrongRef{Uri: d.Reply.Parent.URI, Cid: d.Reply.Parent.CID},
		}
	}

	switch {
	case len(d.Images) > 0:
		e := &bsky.EmbedImages{}
		for _, img := range d.Images {
			blob, err := decodeBlob(img.Blob)
			if err != nil {
				return nil, err
			}
			e.Images = append(e.Images, &bsky.EmbedImages_Image{Alt: img.Alt, Image: blob})
		}
		rec.Embed = &bsky.FeedPost_Embed{EmbedImages: e}

	case d.External != nil:
		ext := &bsky.EmbedExternal_External{
			Uri:         d.External.URI,
			Title:       d.External.Title,
			Description: d.External.Description,
		}
		if len(d.External.Thumb) > 0 {
			thumb, err := decodeBlob(d.External.Thumb)
			if err != nil {
				return nil, err
			}
			ext.Thumb = thumb
		}
		rec.Embed = &bsky.FeedPost_Embed{EmbedExternal: &bsky.EmbedExternal{External: ext}}
	}

	return rec, nil
}

func decodeBlob(raw json.RawMessage) (*lexutil.LexBlob, error) {
	var blob lexutil.LexBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}
	return &blob, nil
}

func facets(anns []types.Annotation) []*bsky.RichtextFacet {
	var out []*bsky.RichtextFacet
	for _, a := range anns {
		var feature bsky.RichtextFacet_Features_Elem
		switch a.Kind {
		case types.KindLink:
			feature.RichtextFacet_Link = &bsky.RichtextFacet_Link{Uri: a.Target}
		case types.KindHashtag:
			if richtext.IsNumericTag(a.Target) {
				continue
			}
			feature.RichtextFacet_Tag = &bsky.RichtextFacet_Tag{Tag: a.Target}
		default:
			continue
		}
		out = append(out, &bsky.RichtextFacet{
			Index:    &bsky.RichtextFacet_ByteSlice{ByteStart: int64(a.Start), ByteEnd: int64(a.End)},
			Features: []*bsky.RichtextFacet_Features_Elem{&feature},
		})
	}
	return out
}

// isAuthError reports whether the PDS refused the session or token
func isAuthError(err error) bool {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return false
	}
	if xe.StatusCode == http.StatusUnauthorized {
		return true
	}
	var body *xrpc.XRPCError
	if errors.As(xe.Wrapped, &body) {
		switch body.ErrStr {
		case "ExpiredToken", "InvalidToken", "AuthenticationRequired":
			return true
		}
	}
	return false
}

// classify maps an XRPC failure to a publisher error kind
func classify(err error, kind error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if isAuthError(err) {
		return fmt.Errorf("%w: %s: %v", publisher.ErrAuth, msg, err)
	}
	return fmt.Errorf("%w: %s: %v", kind, msg, err)
}
