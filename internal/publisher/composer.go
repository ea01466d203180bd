package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/linkcard"
	"github.com/ibeckermayer/threadmirror/internal/richtext"
	"github.com/ibeckermayer/threadmirror/internal/types"
)

// Draft is one chunk ready to be posted
type Draft struct {
	Text        string
	Annotations []types.Annotation
	Images      []Image
	External    *External
	Reply       *types.ReplyChain
	CreatedAt   time.Time
}

// Image is an uploaded image attached to a draft
type Image struct {
	Blob json.RawMessage
	Alt  string
}

// External is a link card attached to a draft
type External struct {
	URI         string
	Title       string
	Description string
	Thumb       json.RawMessage
}

// Client is a destination that threads short posts as replies
type Client interface {
	Login(ctx context.Context) error
	Upload(ctx context.Context, m Media) (json.RawMessage, error)
	CreatePost(ctx context.Context, d Draft) (types.ReplyRef, error)
}

// CardSource looks up link card metadata
type CardSource interface {
	Fetch(ctx context.Context, url string) (*linkcard.Card, error)
}

// ComposerOptions configures a Composer
type ComposerOptions struct {
	Layout      richtext.LayoutOptions
	ImageAlt    string
	MaxImages   int
	MediaPolicy MediaPolicy
	LinkCards   bool
}

// Composer posts a logical post as a chain of length-bounded chunks
type Composer struct {
	name   string
	client Client
	media  *MediaFetcher
	cards  CardSource
	opts   ComposerOptions
	log    zerolog.Logger
	now    func() time.Time
}

// NewComposer creates a Composer. cards may be nil.
func NewComposer(name string, client Client, media *MediaFetcher, cards CardSource, opts ComposerOptions, log zerolog.Logger) *Composer {
	if opts.ImageAlt == "" {
		opts.ImageAlt = "Tweet Image"
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 4
	}
	if opts.MediaPolicy == "" {
		opts.MediaPolicy = MediaTextOnly
	}
	if media == nil {
		media = NewMediaFetcher(nil, 4)
	}
	return &Composer{
		name:   name,
		client: client,
		media:  media,
		cards:  cards,
		opts:   opts,
		log:    log.With().Str("destination", name).Logger(),
		now:    time.Now,
	}
}

// Name returns the destination name.
func (c *Composer) Name() string { return c.name }

// Login authenticates the underlying client.
func (c *Composer) Login(ctx context.Context) error { return c.client.Login(ctx) }

// PublishPost implements Destination.
func (c *Composer) PublishPost(ctx context.Context, post types.Post, chain *types.ReplyChain) (types.ReplyChain, error) {
	return c.ComposePost(ctx, post, chain)
}

// ComposePost posts every chunk of post in order, each replying to the one
// before. A nil chain makes the first chunk a new thread root. Images and
// link cards go on the first chunk only.
//
// On failure the returned chain is the one as of the last chunk that was
// posted, so chunks already published are never touched again.
func (c *Composer) ComposePost(ctx context.Context, post types.Post, chain *types.ReplyChain) (types.ReplyChain, error) {
	chunks := richtext.Layout(post, c.opts.Layout)

	images, err := c.images(ctx, post)
	if err != nil {
		return deref(chain), err
	}

	var external *External
	if len(images) == 0 && c.opts.LinkCards && c.cards != nil {
		external = c.card(ctx, post, chunks)
	}

	acc := chain
	for i, ch := range chunks {
		d := Draft{
			Text:        ch.Text,
			Annotations: ch.Annotations,
			Reply:       acc,
			CreatedAt:   c.now(),
		}
		if i == 0 {
			d.Images = images
			d.External = external
		}

		ref, err := c.client.CreatePost(ctx, d)
		if err != nil {
			if !errors.Is(err, ErrAuth) && !errors.Is(err, ErrPost) {
				err = fmt.Errorf("%w: %v", ErrPost, err)
			}
			return deref(acc), fmt.Errorf("failed to post chunk %d/%d of %s: %w", i+1, len(chunks), post.URL, err)
		}

		acc = extend(acc, ref)
	}

	c.log.Debug().
		Str("post_url", post.URL).
		Int("chunks", len(chunks)).
		Int("images", len(images)).
		Bool("card", external != nil).
		Msg("Post published")

	return deref(acc), nil
}

func extend(chain *types.ReplyChain, ref types.ReplyRef) *types.ReplyChain {
	if chain == nil {
		return &types.ReplyChain{Root: ref, Parent: ref}
	}
	return &types.ReplyChain{Root: chain.Root, Parent: ref}
}

func deref(chain *types.ReplyChain) types.ReplyChain {
	if chain == nil {
		return types.ReplyChain{}
	}
	return *chain
}

// images fetches and uploads the post's images. Under MediaTextOnly a
// failure is logged and the post goes out without images.
func (c *Composer) images(ctx context.Context, post types.Post) ([]Image, error) {
	urls := post.Images
	if len(urls) == 0 {
		return nil, nil
	}
	if len(urls) > c.opts.MaxImages {
		urls = urls[:c.opts.MaxImages]
	}

	images, err := c.upload(ctx, urls)
	if err == nil {
		return images, nil
	}
	if errors.Is(err, ErrAuth) || c.opts.MediaPolicy == MediaFail {
		return nil, fmt.Errorf("failed to attach images to %s: %w", post.URL, err)
	}

	c.log.Warn().Err(err).Str("post_url", post.URL).Msg("Posting without images")
	return nil, nil
}

func (c *Composer) upload(ctx context.Context, urls []string) ([]Image, error) {
	media, err := c.media.FetchAll(ctx, urls)
	if err != nil {
		return nil, err
	}

	images := make([]Image, 0, len(media))
	for _, m := range media {
		blob, err := c.client.Upload(ctx, m)
		if err != nil {
			if !errors.Is(err, ErrAuth) && !errors.Is(err, ErrMedia) {
				err = fmt.Errorf("%w: %v", ErrMedia, err)
			}
			return nil, err
		}
		images = append(images, Image{Blob: blob, Alt: c.opts.ImageAlt})
	}
	return images, nil
}

// card builds a link card for the quoted post, or else the first link in
// the text. Any failure just means no card.
func (c *Composer) card(ctx context.Context, post types.Post, chunks []richtext.Chunk) *External {
	target := post.QuotedURL()
	for i := 0; target == "" && i < len(chunks); i++ {
		for _, a := range chunks[i].Annotations {
			if a.Kind == types.KindLink {
				target = a.Target
				break
			}
		}
	}
	if target == "" {
		return nil
	}

	card, err := c.cards.Fetch(ctx, target)
	if err != nil {
		c.log.Debug().Err(err).Str("url", target).Msg("No link card")
		return nil
	}

	ext := &External{URI: target, Title: card.Title, Description: card.Description}
	if card.ImageURL == "" {
		return ext
	}

	thumb, err := c.media.Fetch(ctx, card.ImageURL)
	if err == nil {
		ext.Thumb, err = c.client.Upload(ctx, thumb)
	}
	if err != nil {
		c.log.Debug().Err(err).Str("url", card.ImageURL).Msg("Link card without thumbnail")
		ext.Thumb = nil
	}
	return ext
}
