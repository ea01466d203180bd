// Package app runs one mirroring cycle: observe the source account, reconcile
// against the stored threads, publish what is new and record the result.
package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/ibeckermayer/threadmirror/internal/publisher"
	"github.com/ibeckermayer/threadmirror/internal/reconcile"
	"github.com/ibeckermayer/threadmirror/internal/richtext"
	"github.com/ibeckermayer/threadmirror/internal/store"
	"github.com/ibeckermayer/threadmirror/internal/types"
)

// Source produces the threads currently visible on the source account
type Source interface {
	Observe(ctx context.Context) ([]types.Thread, error)
}

// Publisher is the part of publisher.Publisher a cycle uses
type Publisher interface {
	Begin(ctx context.Context) error
	PublishThread(ctx context.Context, thread types.Thread, from int) publisher.Outcome
	Destinations() []string
}

// Session hands out the cookies of a logged-in X session
type Session interface {
	Cookies() ([]*network.Cookie, error)
}

// Scraper reads a profile with a session's cookies
type Scraper interface {
	ScrapeProfile(ctx context.Context, cookies []*network.Cookie, username string) ([]types.Thread, error)
}

// ProfileSource observes a profile through the scraper
type ProfileSource struct {
	Session  Session
	Scraper  Scraper
	Username string
}

// Observe implements Source.
func (s ProfileSource) Observe(ctx context.Context) ([]types.Thread, error) {
	cookies, err := s.Session.Cookies()
	if err != nil {
		return nil, fmt.Errorf("failed to load X session: %w", err)
	}
	return s.Scraper.ScrapeProfile(ctx, cookies, s.Username)
}

// Options controls cycle behavior
type Options struct {
	// DryRun logs what would be posted without contacting destinations or
	// writing the store
	DryRun bool
	// SeedOnFirstRun records the first observation without posting it when
	// the store file did not exist yet
	SeedOnFirstRun bool
	// Layout is used to preview chunks in dry runs
	Layout richtext.LayoutOptions
}

// App holds the collaborators of a cycle.
type App struct {
	source    Source
	threads   *store.ThreadStore
	snapshots *store.Snapshots
	pub       Publisher
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

// New creates an App. snapshots may be nil; pub may be nil in dry runs.
func New(source Source, threads *store.ThreadStore, snapshots *store.Snapshots, pub Publisher, opts Options, log zerolog.Logger) *App {
	return &App{
		source:    source,
		threads:   threads,
		snapshots: snapshots,
		pub:       pub,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Report summarizes a cycle
type Report struct {
	CycleID      string         `json:"cycle_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Observed     int            `json:"observed_threads"`
	NewThreads   int            `json:"new_threads"`
	PendingPosts int            `json:"pending_posts"`
	Stored       int            `json:"stored_posts"`
	Published    map[string]int `json:"published"`
	Anomalies    int            `json:"anomalies"`
	DryRun       bool           `json:"dry_run"`
	Seeded       bool           `json:"seeded"`
	StoreWritten bool           `json:"store_written"`
	Errors       []string       `json:"errors,omitempty"`
}

// RunCycle performs one cycle. The returned error is for logging only: a
// failed cycle leaves the store as it was and the next cycle retries.
func (a *App) RunCycle(ctx context.Context) (rep Report, err error) {
	rep = Report{
		CycleID:   uuid.NewString(),
		StartedAt: a.now().UTC(),
		Published: make(map[string]int),
		DryRun:    a.opts.DryRun,
	}
	log := a.log.With().Str("cycle_id", rep.CycleID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Cycle panicked")
			err = fmt.Errorf("cycle panicked: %v", r)
		}
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
		}
		rep.FinishedAt = a.now().UTC()
		a.saveReport(log, rep)
	}()

	stored, created, err := a.threads.Load()
	if err != nil {
		return rep, fmt.Errorf("failed to load thread store: %w", err)
	}

	observed, err := a.source.Observe(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: %v", publisher.ErrFetch, err)
	}
	rep.Observed = len(observed)
	if a.snapshots != nil {
		if path, err := a.snapshots.Save(store.SnapshotObserved, observed); err != nil {
			log.Warn().Err(err).Msg("Failed to save observation snapshot")
		} else {
			log.Debug().Str("path", path).Msg("Observation saved")
		}
	}

	res := reconcile.Reconcile(observed, stored)
	rep.Anomalies = len(res.Anomalies)
	for _, an := range res.Anomalies {
		log.Warn().Int("observed", an.Observed).Ints("stored", an.Stored).
			Msg("Observed thread overlaps several stored threads; merged into the first")
	}
	for _, p := range res.Pending {
		if p.From == 0 {
			rep.NewThreads++
		}
		rep.PendingPosts += len(res.Threads[p.Thread]) - p.From
	}

	if !res.Changed {
		log.Info().Int("observed", len(observed)).Msg("No new posts")
		return rep, nil
	}

	if created && a.opts.SeedOnFirstRun {
		if err := a.threads.CompareAndSwap(stored, res.Threads); err != nil {
			return rep, fmt.Errorf("failed to seed thread store: %w", err)
		}
		rep.Seeded, rep.StoreWritten = true, true
		rep.Stored = rep.PendingPosts
		log.Info().Int("threads", len(res.Threads)).Msg("First run: recorded current threads without posting")
		return rep, nil
	}

	if a.opts.DryRun {
		a.preview(log, res)
		return rep, nil
	}

	next, err := a.publish(ctx, log, res, &rep)
	if err != nil {
		return rep, err
	}

	if sameThreads(next, stored) {
		log.Info().Msg("Nothing was delivered; store unchanged")
		return rep, nil
	}
	if err := a.threads.CompareAndSwap(stored, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Error().Msg("Thread store changed during the cycle; not overwriting it")
		}
		return rep, fmt.Errorf("failed to write thread store: %w", err)
	}
	rep.StoreWritten = true

	log.Info().
		Int("new_threads", rep.NewThreads).
		Int("pending_posts", rep.PendingPosts).
		Int("stored_posts", rep.Stored).
		Interface("published", rep.Published).
		Msg("Cycle complete")
	return rep, nil
}

// publish sends every pending run, oldest thread first, and returns the
// threads to store: each pending run is cut back to what every destination
// now has.
func (a *App) publish(ctx context.Context, log zerolog.Logger, res reconcile.Result, rep *Report) ([]types.Thread, error) {
	if a.pub == nil {
		return nil, errors.New("no publisher configured")
	}

	if err := a.pub.Begin(ctx); err != nil {
		// the failed destinations are disabled and alerted; the others go on
		log.Warn().Err(err).Msg("Some destinations are unavailable this cycle")
		rep.Errors = append(rep.Errors, err.Error())
	}

	keep := make(map[int]int, len(res.Pending))
	for _, p := range res.Pending {
		keep[p.Thread] = p.From
	}

	for _, p := range lo.Reverse(append([]reconcile.Pending(nil), res.Pending...)) {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Msg("Cycle cancelled; remaining threads wait for the next cycle")
			rep.Errors = append(rep.Errors, err.Error())
			break
		}

		thread := res.Threads[p.Thread]
		out := a.pub.PublishThread(ctx, thread, p.From)
		keep[p.Thread] = p.From + out.Delivered
		rep.Stored += out.Delivered

		for dest, n := range out.Counts {
			rep.Published[dest] += n
		}
		for dest, err := range out.Errors {
			kind := "post"
			if errors.Is(err, publisher.ErrAuth) {
				kind = "auth"
			}
			log.Error().Err(err).Str("destination", dest).Str("kind", kind).Str("root_url", thread[0].URL).
				Msg("Thread not fully delivered")
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", dest, err))
		}
	}

	next := make([]types.Thread, 0, len(res.Threads))
	for i, t := range res.Threads {
		if n, ok := keep[i]; ok {
			t = t[:n]
		}
		if len(t) > 0 {
			next = append(next, t)
		}
	}
	return next, nil
}

// preview logs the chunks each pending post would be split into
func (a *App) preview(log zerolog.Logger, res reconcile.Result) {
	for _, p := range res.Pending {
		thread := res.Threads[p.Thread]
		for i := p.From; i < len(thread); i++ {
			chunks := richtext.Layout(thread[i], a.opts.Layout)
			_, tags := richtext.StripHashtags(richtext.Prepare(thread[i]))
			for ci, c := range chunks {
				log.Info().
					Str("url", thread[i].URL).
					Int("chunk", ci).
					Int("chunks", len(chunks)).
					Int("annotations", len(c.Annotations)).
					Strs("tags", tags).
					Str("text", c.Text).
					Msg("Dry run: would post")
			}
		}
	}
	log.Info().Int("threads", len(res.Pending)).Msg("Dry run: nothing posted, store not written")
}

func (a *App) saveReport(log zerolog.Logger, rep Report) {
	if a.snapshots == nil {
		return
	}
	if _, err := a.snapshots.Save(store.SnapshotReport, rep); err != nil {
		log.Warn().Err(err).Msg("Failed to save cycle report")
	}
}

// sameThreads compares thread lists by post URL
func sameThreads(a, b []types.Thread) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j].URL != b[i][j].URL {
				return false
			}
		}
	}
	return true
}
