// Command mirrorctl handles threadmirror maintenance: the X login, the
// delivery ledger, config files and alert checks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/chromedp/chromedp"
	"github.com/pkg/browser"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/auth"
	browseropts "github.com/ibeckermayer/threadmirror/internal/browser"
	"github.com/ibeckermayer/threadmirror/internal/config"
	"github.com/ibeckermayer/threadmirror/internal/logging"
	"github.com/ibeckermayer/threadmirror/internal/notifier"
	"github.com/ibeckermayer/threadmirror/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: user config dir)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch args[0] {
	case "init":
		err = runInit(*configPath)
	case "login":
		err = withConfig(*configPath, func(cfg *config.Config, log zerolog.Logger) error {
			return runLogin(ctx, cfg, log)
		})
	case "logout":
		err = withConfig(*configPath, func(cfg *config.Config, log zerolog.Logger) error {
			return auth.NewCookieStore(cfg.Source.CookiePath).Clear()
		})
	case "status":
		err = withConfig(*configPath, func(cfg *config.Config, log zerolog.Logger) error {
			return runStatus(ctx, cfg)
		})
	case "ledger":
		err = withConfig(*configPath, func(cfg *config.Config, log zerolog.Logger) error {
			return runLedger(ctx, cfg, args[1:])
		})
	case "test-email":
		err = withConfig(*configPath, func(cfg *config.Config, log zerolog.Logger) error {
			n, err := notifier.NewFromConfig(cfg.Email, log)
			if err != nil {
				return err
			}
			return n.SendTest()
		})
	case "open":
		if len(args) < 2 {
			err = errors.New("usage: mirrorctl open <config|data>")
			break
		}
		err = runOpen(args[1])
	case "bot-test":
		err = runBotTest(ctx)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "mirrorctl:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mirrorctl [-config path] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                      Write a default config file")
	fmt.Println("  login                     Log in to X in a browser window and store the session")
	fmt.Println("  logout                    Delete the stored X session")
	fmt.Println("  status                    Show session, store and ledger state")
	fmt.Println("  ledger list <platform> [n] List the newest deliveries to a platform")
	fmt.Println("  ledger forget <platform>  Drop every delivery record for a platform")
	fmt.Println("  test-email                Send a test alert")
	fmt.Println("  open config               Open the config file in the default editor")
	fmt.Println("  open data                 Open the data directory in the file explorer")
	fmt.Println("  bot-test                  Open bot.sannysoft.com to audit the browser fingerprint")
}

func withConfig(path string, fn func(cfg *config.Config, log zerolog.Logger) error) error {
	cfg, err := config.LoadResolved(path, os.LookupEnv)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	return fn(cfg, log)
}

func runInit(path string) error {
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Println("Wrote", path)
	return nil
}

func runLogin(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	cookies := auth.NewCookieStore(cfg.Source.CookiePath)
	m := auth.NewManager(cookies, browseropts.Config{ExecPath: cfg.Source.ChromePath}, log)

	fmt.Println("Complete the login in the browser window; it closes once the home timeline loads.")
	if err := m.Login(ctx, auth.Credentials{Username: cfg.Source.Username, Password: cfg.Source.Password}); err != nil {
		return err
	}
	fmt.Println("Session saved to", cookies.Path())
	return nil
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	cookies := auth.NewCookieStore(cfg.Source.CookiePath)
	session := "ok"
	if err := cookies.Check(); err != nil {
		session = err.Error()
	} else if stored, err := cookies.Load(); err == nil {
		session = "valid until " + stored.ExpiresAt.Local().Format("2006-01-02 15:04")
	}
	fmt.Fprintf(w, "X session\t%s\n", session)

	if _, err := os.Stat(cfg.Store.Path); err != nil {
		fmt.Fprintf(w, "Thread store\t%s (not created yet)\n", cfg.Store.Path)
	} else {
		threads, _, err := store.NewThreadStore(cfg.Store.Path).Load()
		if err != nil {
			return err
		}
		posts := 0
		for _, t := range threads {
			posts += len(t)
		}
		fmt.Fprintf(w, "Thread store\t%d threads, %d posts\n", len(threads), posts)
	}

	ledger, err := store.OpenLedger(cfg.Store.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()
	for _, platform := range []string{"bluesky", "tumblr"} {
		latest, err := ledger.Deliveries(ctx, platform, 1)
		if err != nil {
			return err
		}
		last := "never"
		if len(latest) > 0 {
			last = latest[0].DeliveredAt.Local().Format("2006-01-02 15:04") + " " + latest[0].PostURL
		}
		fmt.Fprintf(w, "Last %s delivery\t%s\n", platform, last)
	}
	return nil
}

func runLedger(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: mirrorctl ledger <list|forget> <platform>")
	}
	ledger, err := store.OpenLedger(cfg.Store.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	platform := args[1]
	switch args[0] {
	case "list":
		limit := 20
		if len(args) > 2 {
			if limit, err = strconv.Atoi(args[2]); err != nil || limit < 1 {
				return fmt.Errorf("invalid count %q", args[2])
			}
		}
		deliveries, err := ledger.Deliveries(ctx, platform, limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "DELIVERED\tPOST\tLAST")
		for _, d := range deliveries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.DeliveredAt.Local().Format("2006-01-02 15:04"), d.PostURL, d.Last.URI)
		}
	case "forget":
		n, err := ledger.Forget(ctx, platform)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d %s deliveries\n", n, platform)
	default:
		return fmt.Errorf("unknown ledger command %q", args[0])
	}
	return nil
}

func runOpen(target string) error {
	var path string
	var err error

	switch target {
	case "config":
		path, err = config.ConfigPath()
	case "data":
		path, err = config.DataDir()
		if err == nil {
			err = os.MkdirAll(path, 0700)
		}
	default:
		return fmt.Errorf("unknown target: %s", target)
	}
	if err != nil {
		return fmt.Errorf("failed to get path: %w", err)
	}

	if err := browser.OpenFile(path); err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	return nil
}

func runBotTest(ctx context.Context) error {
	fmt.Println("Opening bot.sannysoft.com with the scraper's browser options...")

	browserCtx, cancel := browseropts.Start(ctx, browseropts.Config{})
	defer cancel()

	go func() {
		if err := chromedp.Run(browserCtx, chromedp.Navigate("https://bot.sannysoft.com")); err != nil {
			fmt.Fprintln(os.Stderr, "failed to navigate:", err)
		}
	}()

	fmt.Println("Press Enter to end program...")
	fmt.Scanln()
	return nil
}
