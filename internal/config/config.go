// Package config loads the TOML configuration of the mirror.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rivo/uniseg"
)

const appName = "threadmirror"

// blueskyPostLimit is the grapheme limit of one Bluesky post
const blueskyPostLimit = 300

// Config holds all application configuration
type Config struct {
	Version        int            `toml:"version"`
	DryRun         bool           `toml:"dry_run"`
	SeedOnFirstRun bool           `toml:"seed_on_first_run"`
	Source         SourceConfig   `toml:"source"`
	Schedule       ScheduleConfig `toml:"schedule"`
	Store          StoreConfig    `toml:"store"`
	Bluesky        BlueskyConfig  `toml:"bluesky"`
	Tumblr         TumblrConfig   `toml:"tumblr"`
	Media          MediaConfig    `toml:"media"`
	Email          EmailConfig    `toml:"email"`
	Log            LogConfig      `toml:"log"`

	// Unknown lists keys in the file that no field consumed
	Unknown []string `toml:"-"`
}

// SourceConfig describes the X account being mirrored
type SourceConfig struct {
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	Headless         bool   `toml:"headless"`
	SettleSeconds    int    `toml:"settle_seconds"`
	MaxThreadFetches int    `toml:"max_thread_fetches"`
	TimeoutMinutes   int    `toml:"timeout_minutes"`
	ChromePath       string `toml:"chrome_path"`
	CookiePath       string `toml:"cookie_path"`
}

type ScheduleConfig struct {
	Interval Duration `toml:"interval"`
}

type StoreConfig struct {
	Path         string `toml:"path"`
	LedgerPath   string `toml:"ledger_path"`
	SnapshotDir  string `toml:"snapshot_dir"`
	SnapshotKeep int    `toml:"snapshot_keep"`
}

type BlueskyConfig struct {
	Enabled      bool   `toml:"enabled"`
	Service      string `toml:"service"`
	Handle       string `toml:"handle"`
	AppPassword  string `toml:"app_password"`
	MaxChunk     int    `toml:"max_chunk"`
	ThreadMarker string `toml:"thread_marker"`
	ImageAlt     string `toml:"image_alt"`
	LinkCards    bool   `toml:"link_cards"`
}

type TumblrConfig struct {
	Enabled        bool   `toml:"enabled"`
	API            string `toml:"api"`
	ConsumerKey    string `toml:"consumer_key"`
	ConsumerSecret string `toml:"consumer_secret"`
	Token          string `toml:"token"`
	TokenSecret    string `toml:"token_secret"`
	BlogIdentifier string `toml:"blog_identifier"`
}

type MediaConfig struct {
	Policy              string `toml:"policy"`
	MaxImages           int    `toml:"max_images"`
	FetchConcurrency    int    `toml:"fetch_concurrency"`
	FetchTimeoutSeconds int    `toml:"fetch_timeout_seconds"`
}

type EmailConfig struct {
	Enabled       bool     `toml:"enabled"`
	Provider      string   `toml:"provider"`
	SMTPHost      string   `toml:"smtp_host"`
	SMTPPort      int      `toml:"smtp_port"`
	SMTPUser      string   `toml:"smtp_user"`
	SMTPPass      string   `toml:"smtp_pass"`
	FromAddr      string   `toml:"from_address"`
	ToAddr        string   `toml:"to_address"`
	AlertCooldown Duration `toml:"alert_cooldown"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // auto, console or json
}

// Duration is a time.Duration written as a Go duration string ("5m")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Version: 1,
		Source: SourceConfig{
			Headless:         true,
			SettleSeconds:    5,
			MaxThreadFetches: 10,
			TimeoutMinutes:   5,
		},
		Schedule: ScheduleConfig{
			Interval: Duration{time.Minute},
		},
		Store: StoreConfig{
			SnapshotKeep: 50,
		},
		Bluesky: BlueskyConfig{
			Service:      "https://bsky.social",
			MaxChunk:     290,
			ThreadMarker: " 🧵",
			ImageAlt:     "Tweet Image",
		},
		Tumblr: TumblrConfig{
			API: "https://api.tumblr.com",
		},
		Media: MediaConfig{
			Policy:              "text_only",
			MaxImages:           4,
			FetchConcurrency:    4,
			FetchTimeoutSeconds: 30,
		},
		Email: EmailConfig{
			Provider:      "smtp",
			SMTPPort:      587,
			AlertCooldown: Duration{6 * time.Hour},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appName), nil
}

// DataDir returns the directory for the thread store, ledger and snapshots
func DataDir() (string, error) {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", appName), nil
	}
	// macOS and Windows keep application data next to the config
	return ConfigDir()
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads config from path, or from ConfigPath when path is empty.
// Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	for _, k := range meta.Undecoded() {
		cfg.Unknown = append(cfg.Unknown, k.String())
	}

	return cfg, nil
}

// Save writes config to path, readable only by the current user
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ResolvePaths fills empty file locations with defaults under dataDir and
// configDir.
func (c *Config) ResolvePaths(dataDir, configDir string) {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(dataDir, "threads.json")
	}
	if c.Store.LedgerPath == "" {
		c.Store.LedgerPath = filepath.Join(dataDir, "ledger.db")
	}
	if c.Store.SnapshotDir == "" {
		c.Store.SnapshotDir = filepath.Join(dataDir, "snapshots")
	}
	if c.Source.CookiePath == "" {
		c.Source.CookiePath = filepath.Join(configDir, "cookies.json")
	}
}

// ApplyEnv overrides credentials with environment variables found by
// lookup, usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("X_USERNAME", &c.Source.Username)
	str("X_PASSWORD", &c.Source.Password)
	str("BSKY_SERVICE", &c.Bluesky.Service)
	str("BSKY_HANDLE", &c.Bluesky.Handle)
	str("BSKY_APP_PASSWORD", &c.Bluesky.AppPassword)
	str("TUMBLR_CONSUMER_KEY", &c.Tumblr.ConsumerKey)
	str("TUMBLR_CONSUMER_SECRET", &c.Tumblr.ConsumerSecret)
	str("TUMBLR_TOKEN", &c.Tumblr.Token)
	str("TUMBLR_TOKEN_SECRET", &c.Tumblr.TokenSecret)
	str("TUMBLR_BLOG_IDENTIFIER", &c.Tumblr.BlogIdentifier)
	str("SMTP_PASS", &c.Email.SMTPPass)

	if v, ok := lookup("THREADMIRROR_DRY_RUN"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DryRun = b
		}
	}
}

// Validate reports every setting that would stop the mirror from running
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Source.Username == "" {
		add("source.username is required")
	}
	if c.Schedule.Interval.Duration < 10*time.Second {
		add("schedule.interval must be at least 10s, got %s", c.Schedule.Interval)
	}
	if !c.Bluesky.Enabled && !c.Tumblr.Enabled && !c.DryRun {
		add("no destination is enabled")
	}

	if c.Bluesky.Enabled {
		if c.Bluesky.Handle == "" || c.Bluesky.AppPassword == "" {
			add("bluesky.handle and bluesky.app_password are required")
		}
		// the marker is appended after cutting, so it shares the post limit
		marker := uniseg.GraphemeClusterCount(c.Bluesky.ThreadMarker)
		if c.Bluesky.MaxChunk < 1 || c.Bluesky.MaxChunk+marker > blueskyPostLimit {
			add("bluesky.max_chunk plus thread_marker must fit in %d graphemes, got %d+%d",
				blueskyPostLimit, c.Bluesky.MaxChunk, marker)
		}
	}

	if c.Tumblr.Enabled {
		if c.Tumblr.ConsumerKey == "" || c.Tumblr.ConsumerSecret == "" ||
			c.Tumblr.Token == "" || c.Tumblr.TokenSecret == "" {
			add("tumblr OAuth keys are required")
		}
		if c.Tumblr.BlogIdentifier == "" {
			add("tumblr.blog_identifier is required")
		}
	}

	switch c.Media.Policy {
	case "text_only", "fail":
	default:
		add("media.policy must be text_only or fail, got %q", c.Media.Policy)
	}
	if c.Media.MaxImages < 1 {
		add("media.max_images must be positive")
	}

	if c.Email.Enabled {
		if c.Email.Provider != "smtp" {
			add("unknown email provider: %s", c.Email.Provider)
		}
		if c.Email.SMTPHost == "" || c.Email.FromAddr == "" || c.Email.ToAddr == "" {
			add("email.smtp_host, email.from_address and email.to_address are required")
		}
	}

	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		add("log.format must be auto, console or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// LoadResolved loads path, applies environment overrides found by lookup
// and fills default file locations.
func LoadResolved(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(lookup)

	dataDir, err := DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate data dir: %w", err)
	}
	configDir, err := ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate config dir: %w", err)
	}
	cfg.ResolvePaths(dataDir, configDir)
	return cfg, nil
}
