// Package scraper reads an X profile through a real browser session and turns
// the timeline GraphQL responses it loads into threads.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/browser"
	"github.com/ibeckermayer/threadmirror/internal/types"
)

// ErrNotLoggedIn is returned when X shows a login form instead of the profile
var ErrNotLoggedIn = errors.New("x session is not logged in")

// Options tunes a scrape
type Options struct {
	Browser browser.Config
	// Settle is how long to wait after a page load for GraphQL responses
	Settle time.Duration
	// MaxThreadFetches caps how many conversations are reopened to read
	// their full self-thread
	MaxThreadFetches int
	Timeout          time.Duration
}

// Scraper handles extracting threads from X.com
type Scraper struct {
	opts Options
	log  zerolog.Logger
}

// New creates a new scraper
func New(opts Options, log zerolog.Logger) *Scraper {
	if opts.Settle <= 0 {
		opts.Settle = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Scraper{opts: opts, log: log.With().Str("component", "scraper").Logger()}
}

// ScrapeProfile loads username's profile and returns the threads it shows,
// newest first. Conversations are reopened so their full self-thread is read.
func (s *Scraper) ScrapeProfile(ctx context.Context, cookies []*network.Cookie, username string) ([]types.Thread, error) {
	browserCtx, browserCancel := browser.Start(ctx, s.opts.Browser)
	defer browserCancel()

	// Set timeout for the entire scrape operation
	browserCtx, timeoutCancel := context.WithTimeout(browserCtx, s.opts.Timeout)
	defer timeoutCancel()

	rec := newCapture(s.log)
	rec.listen(browserCtx)

	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}

	// Inject cookies before navigation
	if err := injectCookies(browserCtx, cookies); err != nil {
		return nil, fmt.Errorf("failed to inject cookies: %w", err)
	}

	if err := s.open(browserCtx, "https://x.com/"+username); err != nil {
		return nil, err
	}

	var threads []types.Thread
	for _, body := range rec.take(OpUserTweets) {
		page, err := ParseUserTweets(body, username)
		if err != nil {
			s.log.Warn().Err(err).Msg("Skipping unreadable timeline page")
			continue
		}
		threads = append(threads, page...)
	}
	if len(threads) == 0 {
		if err := s.checkLoggedIn(browserCtx); err != nil {
			return nil, err
		}
	}

	fetched := 0
	for i, t := range threads {
		if len(t) < 2 {
			continue
		}
		if s.opts.MaxThreadFetches > 0 && fetched >= s.opts.MaxThreadFetches {
			s.log.Debug().Int("remaining", len(threads)-i).Msg("Thread fetch limit reached")
			break
		}
		fetched++

		full, err := s.thread(browserCtx, rec, t[len(t)-1].URL, username)
		if err != nil {
			s.log.Warn().Err(err).Str("url", t[0].URL).Msg("Keeping timeline view of thread")
			continue
		}
		if len(full) >= len(t) {
			threads[i] = full
		}
	}

	s.log.Info().Int("threads", len(threads)).Int("thread_fetches", fetched).Msg("Profile scraped")
	return threads, nil
}

// thread opens a post and reads its conversation
func (s *Scraper) thread(ctx context.Context, rec *capture, postURL, username string) (types.Thread, error) {
	rec.take(OpTweetDetail)
	if err := s.open(ctx, postURL); err != nil {
		return nil, err
	}

	bodies := rec.take(OpTweetDetail)
	if len(bodies) == 0 {
		return nil, fmt.Errorf("no %s response for %s", OpTweetDetail, postURL)
	}

	var out types.Thread
	for _, body := range bodies {
		t, err := ParseTweetDetail(body, username)
		if err != nil {
			return nil, err
		}
		if len(t) > len(out) {
			out = t
		}
	}
	return out, nil
}

// open navigates and waits for the page's GraphQL traffic to settle
func (s *Scraper) open(ctx context.Context, target string) error {
	if err := chromedp.Run(ctx,
		chromedp.Navigate(target),
		chromedp.WaitVisible(WaitForProfile, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to load %s: %w", target, err)
	}

	select {
	case <-time.After(s.opts.Settle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Scraper) checkLoggedIn(ctx context.Context) error {
	var loginNodes []*cdp.Node
	if err := chromedp.Run(ctx,
		chromedp.Nodes(LoginInput+", "+LoginForm, &loginNodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	); err != nil {
		return fmt.Errorf("failed to inspect page: %w", err)
	}
	if len(loginNodes) > 0 {
		return ErrNotLoggedIn
	}
	return nil
}

// injectCookies sets cookies in the browser context
func injectCookies(ctx context.Context, cookies []*network.Cookie) error {
	return chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, c := range cookies {
				err := network.SetCookie(c.Name, c.Value).
					WithDomain(c.Domain).
					WithPath(c.Path).
					WithSecure(c.Secure).
					WithHTTPOnly(c.HTTPOnly).
					WithSameSite(c.SameSite).
					Do(ctx)

				if err != nil {
					return err
				}
			}
			return nil
		}),
	)
}

// capture collects GraphQL response bodies seen by the browser
type capture struct {
	log zerolog.Logger

	mu      sync.Mutex
	pending map[network.RequestID]string
	bodies  map[string][][]byte
	wg      sync.WaitGroup
}

func newCapture(log zerolog.Logger) *capture {
	return &capture{
		log:     log,
		pending: make(map[network.RequestID]string),
		bodies:  make(map[string][][]byte),
	}
}

func (c *capture) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev := ev.(type) {
		case *network.EventResponseReceived:
			op := graphqlOp(ev.Response.URL)
			if op != OpUserTweets && op != OpTweetDetail {
				return
			}
			c.mu.Lock()
			c.pending[ev.RequestID] = op
			c.mu.Unlock()

		case *network.EventLoadingFinished:
			c.mu.Lock()
			op, ok := c.pending[ev.RequestID]
			delete(c.pending, ev.RequestID)
			c.mu.Unlock()
			if !ok {
				return
			}

			// event handlers must not block, so the body is read separately
			c.wg.Add(1)
			go func(id network.RequestID) {
				defer c.wg.Done()
				t := chromedp.FromContext(ctx).Target
				body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(ctx, t))
				if err != nil {
					c.log.Debug().Err(err).Str("op", op).Msg("Failed to read response body")
					return
				}
				c.mu.Lock()
				c.bodies[op] = append(c.bodies[op], body)
				c.mu.Unlock()
			}(ev.RequestID)
		}
	})
}

// take returns and forgets the bodies captured for op so far
func (c *capture) take(op string) [][]byte {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.bodies[op]
	delete(c.bodies, op)
	return out
}

// graphqlOp returns the operation name of an X GraphQL API URL, or ""
func graphqlOp(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if !strings.Contains(u.Path, "/graphql/") {
		return ""
	}
	return u.Path[strings.LastIndexByte(u.Path, '/')+1:]
}
