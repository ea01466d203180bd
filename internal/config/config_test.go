package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Source.Username = "alice"
	cfg.Bluesky.Enabled = true
	cfg.Bluesky.Handle = "alice.bsky.social"
	cfg.Bluesky.AppPassword = "xxxx-xxxx"
	return cfg
}

func TestDefaultIsValidOnceRequiredFieldsSet(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Default().Validate(); err == nil {
		t.Fatal("default config without username or destinations validated")
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
dry_run = true

[source]
username = "alice"

[schedule]
interval = "90s"

[bluesky]
enabled = true
handle = "alice.bsky.social"
app_password = "pw"
max_chunk = 200

[tumblr]
blog = "typo"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.DryRun || cfg.Source.Username != "alice" || cfg.Bluesky.MaxChunk != 200 {
		t.Errorf("decoded values lost: %+v", cfg)
	}
	if cfg.Schedule.Interval.Duration != 90*time.Second {
		t.Errorf("interval = %s, want 1m30s", cfg.Schedule.Interval)
	}
	if cfg.Bluesky.ThreadMarker != " 🧵" || cfg.Media.Policy != "text_only" || !cfg.Source.Headless {
		t.Errorf("defaults not kept: %+v", cfg)
	}
	if len(cfg.Unknown) != 1 || cfg.Unknown[0] != "tumblr.blog" {
		t.Errorf("Unknown = %v, want [tumblr.blog]", cfg.Unknown)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[schedule]\ninterval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := validConfig()
	cfg.Tumblr.BlogIdentifier = "alice"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Bluesky.Handle != cfg.Bluesky.Handle || got.Tumblr.BlogIdentifier != "alice" ||
		got.Schedule.Interval != cfg.Schedule.Interval || got.Email.AlertCooldown != cfg.Email.AlertCooldown {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Unknown) != 0 {
		t.Errorf("saved config has unknown keys: %v", got.Unknown)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"X_USERNAME":             "bob",
		"BSKY_APP_PASSWORD":      "secret",
		"TUMBLR_BLOG_IDENTIFIER": "bobblog",
		"THREADMIRROR_DRY_RUN":   "true",
		"BSKY_HANDLE":            "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := validConfig()
	cfg.ApplyEnv(lookup)

	if cfg.Source.Username != "bob" || cfg.Bluesky.AppPassword != "secret" || cfg.Tumblr.BlogIdentifier != "bobblog" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if !cfg.DryRun {
		t.Error("dry run not applied")
	}
	if cfg.Bluesky.Handle != "alice.bsky.social" {
		t.Errorf("empty env value overrode handle: %q", cfg.Bluesky.Handle)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Bluesky.MaxChunk = 0
	cfg.Tumblr.Enabled = true
	cfg.Media.Policy = "maybe"
	cfg.Email.Enabled = true
	cfg.Schedule.Interval = Duration{time.Second}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"max_chunk", "tumblr OAuth", "blog_identifier", "media.policy", "smtp_host", "schedule.interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error lacks %q:\n%v", want, err)
		}
	}
}

func TestValidateMaxChunkLeavesRoomForMarker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		maxChunk int
		marker   string
		wantErr  bool
	}{
		{"default", 290, " 🧵", false},
		{"exactly full", 298, " 🧵", false},
		{"marker overflows", 300, " 🧵", true},
		{"no marker", 300, "", false},
		{"flag emoji is one grapheme", 298, " 🇺🇸", false},
		{"zero", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			cfg.Bluesky.MaxChunk = tt.maxChunk
			cfg.Bluesky.ThreadMarker = tt.marker

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "max_chunk") {
				t.Errorf("error does not name max_chunk: %v", err)
			}
		})
	}
}

func TestResolvePaths(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Store.LedgerPath = "/custom/ledger.db"
	cfg.ResolvePaths("/data", "/cfg")

	if cfg.Store.Path != filepath.Join("/data", "threads.json") {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
	if cfg.Store.LedgerPath != "/custom/ledger.db" {
		t.Errorf("explicit ledger path replaced: %s", cfg.Store.LedgerPath)
	}
	if cfg.Source.CookiePath != filepath.Join("/cfg", "cookies.json") {
		t.Errorf("cookie path = %s", cfg.Source.CookiePath)
	}
}

func TestLoadResolved(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG locations only apply on linux")
	}
	root := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))

	path := filepath.Join(root, "config.toml")
	if err := os.WriteFile(path, []byte("[source]\nusername = \"alice\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"BSKY_HANDLE": "alice.example"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := LoadResolved(path, lookup)
	if err != nil {
		t.Fatalf("LoadResolved: %v", err)
	}
	if cfg.Source.Username != "alice" || cfg.Bluesky.Handle != "alice.example" {
		t.Errorf("source %q, handle %q", cfg.Source.Username, cfg.Bluesky.Handle)
	}
	if want := filepath.Join(root, "data", appName, "threads.json"); cfg.Store.Path != want {
		t.Errorf("store path = %s, want %s", cfg.Store.Path, want)
	}
	if want := filepath.Join(root, "config", appName, "cookies.json"); cfg.Source.CookiePath != want {
		t.Errorf("cookie path = %s, want %s", cfg.Source.CookiePath, want)
	}
}
