// Package publisher posts reconciled threads to the destination platforms.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

// Destination is a platform posts are mirrored to
type Destination interface {
	Name() string
	Login(ctx context.Context) error
	// PublishPost publishes post as a continuation of chain, or as a new
	// thread when chain is nil, and returns the chain the next post in the
	// thread continues.
	PublishPost(ctx context.Context, post types.Post, chain *types.ReplyChain) (types.ReplyChain, error)
}

// Ledger remembers which posts each destination already has
type Ledger interface {
	Lookup(ctx context.Context, platform string, postURLs []string) (map[string]types.Delivery, error)
	Record(ctx context.Context, d types.Delivery) error
}

// Alerter is told when a destination rejects its credentials
type Alerter interface {
	AuthFailure(platform string, err error) error
}

// ComposeThread publishes posts in order on dest, each continuing the chain
// left by the one before. done is called after every successful post; an
// error from it stops the thread. It returns the final chain and how many
// posts were published.
func ComposeThread(ctx context.Context, dest Destination, posts []types.Post, chain *types.ReplyChain, done func(i int, chain types.ReplyChain) error) (types.ReplyChain, int, error) {
	acc := chain
	for i, post := range posts {
		next, err := dest.PublishPost(ctx, post, acc)
		if err != nil {
			return deref(acc), i, err
		}
		acc = &next
		if done != nil {
			if err := done(i, next); err != nil {
				return next, i + 1, err
			}
		}
	}
	return deref(acc), len(posts), nil
}

// Outcome is the result of publishing one thread
type Outcome struct {
	// Delivered counts the posts, starting at the first pending one, that
	// every destination now has.
	Delivered int
	Counts    map[string]int
	Errors    map[string]error
}

// Publisher fans threads out to every destination
type Publisher struct {
	dests  []Destination
	ledger Ledger
	alert  Alerter
	log    zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	down map[string]error
}

// New creates a Publisher. alert may be nil.
func New(dests []Destination, ledger Ledger, alert Alerter, log zerolog.Logger) *Publisher {
	return &Publisher{
		dests:  dests,
		ledger: ledger,
		alert:  alert,
		log:    log.With().Str("component", "publisher").Logger(),
		now:    time.Now,
		down:   make(map[string]error),
	}
}

// Destinations returns the configured destination names.
func (p *Publisher) Destinations() []string {
	names := make([]string, len(p.dests))
	for i, d := range p.dests {
		names[i] = d.Name()
	}
	return names
}

// Begin starts a cycle: every destination is logged in again and the ones
// that fail are skipped until the next Begin.
func (p *Publisher) Begin(ctx context.Context) error {
	p.mu.Lock()
	p.down = make(map[string]error)
	p.mu.Unlock()

	errs := make([]error, len(p.dests))
	var g errgroup.Group
	for i, d := range p.dests {
		g.Go(func() error {
			if err := d.Login(ctx); err != nil {
				if !errors.Is(err, ErrAuth) {
					err = fmt.Errorf("%w: %v", ErrAuth, err)
				}
				errs[i] = fmt.Errorf("failed to log in to %s: %w", d.Name(), err)
				p.disable(d.Name(), errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Available reports whether dest has not failed authentication this cycle.
func (p *Publisher) Available(dest string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, down := p.down[dest]
	return !down
}

func (p *Publisher) disable(dest string, err error) {
	p.mu.Lock()
	_, already := p.down[dest]
	p.down[dest] = err
	p.mu.Unlock()
	if already {
		return
	}

	p.log.Error().Err(err).Str("destination", dest).Msg("Destination disabled for this cycle")
	if p.alert != nil {
		if aerr := p.alert.AuthFailure(dest, err); aerr != nil {
			p.log.Warn().Err(aerr).Str("destination", dest).Msg("Failed to send auth alert")
		}
	}
}

// PublishThread publishes thread[from:] to every destination concurrently.
// Posts a destination already has according to the ledger are skipped, and
// the thread is continued from the last of them. A destination stops at its
// first failure; the others carry on.
func (p *Publisher) PublishThread(ctx context.Context, thread types.Thread, from int) Outcome {
	out := Outcome{
		Delivered: len(thread) - from,
		Counts:    make(map[string]int, len(p.dests)),
		Errors:    make(map[string]error),
	}

	counts := make([]int, len(p.dests))
	errs := make([]error, len(p.dests))
	var g errgroup.Group
	for i, d := range p.dests {
		g.Go(func() error {
			counts[i], errs[i] = p.publishTo(ctx, d, thread, from)
			return nil
		})
	}
	_ = g.Wait()

	for i, d := range p.dests {
		out.Counts[d.Name()] = counts[i]
		out.Delivered = min(out.Delivered, counts[i])
		if errs[i] != nil {
			out.Errors[d.Name()] = errs[i]
		}
	}
	return out
}

func (p *Publisher) publishTo(ctx context.Context, d Destination, thread types.Thread, from int) (int, error) {
	name := d.Name()
	urls := make([]string, len(thread))
	for i, post := range thread {
		urls[i] = post.URL
	}

	have, err := p.ledger.Lookup(ctx, name, urls)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger for %s: %w", name, err)
	}

	// earlier posts may predate the ledger; only the pending run must be contiguous
	var chain *types.ReplyChain
	start := from
	for i, post := range thread {
		del, ok := have[post.URL]
		if !ok {
			if i >= from {
				break
			}
			continue
		}
		c := del.Chain()
		chain = &c
		if i >= from {
			start = i + 1
		}
	}

	skipped := start - from
	if start == len(thread) {
		return skipped, nil
	}

	p.mu.Lock()
	downErr := p.down[name]
	p.mu.Unlock()
	if downErr != nil {
		return skipped, downErr
	}

	log := p.log.With().Str("destination", name).Str("root_url", thread[0].URL).Logger()

	_, n, err := ComposeThread(ctx, d, thread[start:], chain, func(i int, c types.ReplyChain) error {
		return p.ledger.Record(ctx, types.Delivery{
			Platform:    name,
			PostURL:     thread[start+i].URL,
			Root:        c.Root,
			Last:        c.Parent,
			DeliveredAt: p.now(),
		})
	})
	if err != nil {
		if errors.Is(err, ErrAuth) {
			p.disable(name, err)
		}
		log.Error().Err(err).Int("published", n).Int("remaining", len(thread)-start-n).Msg("Thread aborted")
		return skipped + n, err
	}

	log.Info().Int("published", n).Int("skipped", skipped).Msg("Thread published")
	return skipped + n, nil
}
