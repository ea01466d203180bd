package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/config"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      config.LogConfig
		wantJSON bool
		wantErr  bool
	}{
		{"defaults to json off a terminal", config.LogConfig{}, true, false},
		{"auto", config.LogConfig{Level: "debug", Format: "auto"}, true, false},
		{"explicit json", config.LogConfig{Format: "json"}, true, false},
		{"console", config.LogConfig{Format: "console"}, false, false},
		{"bad level", config.LogConfig{Level: "loud"}, false, true},
		{"bad format", config.LogConfig{Format: "xml"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			log, err := New(tt.cfg, &buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			log.Info().Str("k", "v").Msg("hello")
			line := strings.TrimSpace(buf.String())
			var fields map[string]any
			isJSON := json.Unmarshal([]byte(line), &fields) == nil
			if isJSON != tt.wantJSON {
				t.Errorf("json output = %v, want %v: %q", isJSON, tt.wantJSON, line)
			}
			if !strings.Contains(line, "hello") {
				t.Errorf("message missing: %q", line)
			}
		})
	}
}

func TestNewLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if log.GetLevel() != zerolog.WarnLevel {
		t.Errorf("level = %s", log.GetLevel())
	}
	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}
