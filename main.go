// Command threadmirror mirrors an X account's threads to Bluesky and Tumblr.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/app"
	"github.com/ibeckermayer/threadmirror/internal/auth"
	"github.com/ibeckermayer/threadmirror/internal/browser"
	"github.com/ibeckermayer/threadmirror/internal/config"
	"github.com/ibeckermayer/threadmirror/internal/linkcard"
	"github.com/ibeckermayer/threadmirror/internal/logging"
	"github.com/ibeckermayer/threadmirror/internal/notifier"
	"github.com/ibeckermayer/threadmirror/internal/publisher"
	"github.com/ibeckermayer/threadmirror/internal/publisher/providers"
	"github.com/ibeckermayer/threadmirror/internal/richtext"
	"github.com/ibeckermayer/threadmirror/internal/scheduler"
	"github.com/ibeckermayer/threadmirror/internal/scraper"
	"github.com/ibeckermayer/threadmirror/internal/store"
)

const cycleJob = "mirror"

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: user config dir)")
	once := flag.Bool("once", false, "run a single cycle and exit")
	dryRun := flag.Bool("dry-run", false, "log what would be posted without posting")
	flag.Parse()

	if err := run(*configPath, *once, *dryRun); err != nil {
		fmt.Fprintln(os.Stderr, "threadmirror:", err)
		os.Exit(1)
	}
}

func run(configPath string, once, dryRun bool) error {
	cfg, err := config.LoadResolved(configPath, os.LookupEnv)
	if err != nil {
		return err
	}
	if dryRun {
		cfg.DryRun = true
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	for _, k := range cfg.Unknown {
		log.Warn().Str("key", k).Msg("Unknown config key ignored")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	ledger, err := store.OpenLedger(cfg.Store.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	alerts, err := notifier.NewFromConfig(cfg.Email, log)
	if err != nil {
		return err
	}

	a := newApp(cfg, ledger, alerts, log)

	// only the scrape is bounded by source.timeout_minutes; a cycle that
	// is posting runs to completion
	sched := scheduler.New(log, 0)
	job := func(ctx context.Context) error {
		_, err := a.RunCycle(ctx)
		return err
	}

	log.Info().
		Str("source", cfg.Source.Username).
		Bool("bluesky", cfg.Bluesky.Enabled).
		Bool("tumblr", cfg.Tumblr.Enabled).
		Bool("dry_run", cfg.DryRun).
		Str("store", cfg.Store.Path).
		Msg("threadmirror starting")

	if once {
		return sched.RunNow(cycleJob, job)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.RunNow(cycleJob, job); err != nil {
		log.Error().Err(err).Msg("First cycle failed; retrying on schedule")
	}
	if err := sched.AddInterval(cycleJob, cfg.Schedule.Interval.Duration, job); err != nil {
		return err
	}
	sched.Start()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	<-sched.Stop().Done()
	return nil
}

func newApp(cfg *config.Config, ledger *store.Ledger, alerts publisher.Alerter, log zerolog.Logger) *app.App {
	browserCfg := browserConfig(cfg)

	source := app.ProfileSource{
		Session: auth.NewManager(auth.NewCookieStore(cfg.Source.CookiePath), browserCfg, log),
		Scraper: scraper.New(scraper.Options{
			Browser:          browserCfg,
			Settle:           time.Duration(cfg.Source.SettleSeconds) * time.Second,
			MaxThreadFetches: cfg.Source.MaxThreadFetches,
			Timeout:          time.Duration(cfg.Source.TimeoutMinutes) * time.Minute,
		}, log),
		Username: cfg.Source.Username,
	}

	layout := richtext.LayoutOptions{
		MaxLength:    cfg.Bluesky.MaxChunk,
		ThreadMarker: cfg.Bluesky.ThreadMarker,
	}

	var pub app.Publisher
	if !cfg.DryRun {
		pub = publisher.New(destinations(cfg, layout, log), ledger, alerts, log)
	}

	return app.New(
		source,
		store.NewThreadStore(cfg.Store.Path),
		store.NewSnapshots(cfg.Store.SnapshotDir, cfg.Store.SnapshotKeep),
		pub,
		app.Options{
			DryRun:         cfg.DryRun,
			SeedOnFirstRun: cfg.SeedOnFirstRun,
			Layout:         layout,
		},
		log.With().Str("component", "app").Logger(),
	)
}

func destinations(cfg *config.Config, layout richtext.LayoutOptions, log zerolog.Logger) []publisher.Destination {
	var dests []publisher.Destination

	if cfg.Bluesky.Enabled {
		media := publisher.NewMediaFetcher(
			&http.Client{Timeout: time.Duration(cfg.Media.FetchTimeoutSeconds) * time.Second},
			cfg.Media.FetchConcurrency,
		)
		var cards publisher.CardSource
		if cfg.Bluesky.LinkCards {
			cards = linkcard.New(nil)
		}
		client := providers.NewBluesky(cfg.Bluesky.Service, cfg.Bluesky.Handle, cfg.Bluesky.AppPassword, nil)
		dests = append(dests, publisher.NewComposer("bluesky", client, media, cards, publisher.ComposerOptions{
			Layout:      layout,
			ImageAlt:    cfg.Bluesky.ImageAlt,
			MaxImages:   cfg.Media.MaxImages,
			MediaPolicy: publisher.MediaPolicy(cfg.Media.Policy),
			LinkCards:   cfg.Bluesky.LinkCards,
		}, log))
	}

	if cfg.Tumblr.Enabled {
		dests = append(dests, providers.NewTumblr(cfg.Tumblr.API, cfg.Tumblr.BlogIdentifier, providers.TumblrCredentials{
			ConsumerKey:    cfg.Tumblr.ConsumerKey,
			ConsumerSecret: cfg.Tumblr.ConsumerSecret,
			Token:          cfg.Tumblr.Token,
			TokenSecret:    cfg.Tumblr.TokenSecret,
		}, nil, log))
	}

	return dests
}

func browserConfig(cfg *config.Config) browser.Config {
	return browser.Config{
		Headless: cfg.Source.Headless,
		ExecPath: cfg.Source.ChromePath,
	}
}
