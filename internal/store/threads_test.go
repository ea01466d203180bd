package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

func TestThreadStoreCreatesEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "threads.json")
	s := NewThreadStore(path)

	threads, created, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !created || len(threads) != 0 || threads == nil {
		t.Errorf("Load = %v, created %v", threads, created)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("new file holds %q, want []", data)
	}

	if _, created, _ := s.Load(); created {
		t.Error("second Load reports the file as created")
	}
}

func TestThreadStoreRoundTripNormalizes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "threads.json")
	raw := `[
  [
    {"text": "root", "url": "https://x.com/u/status/1", "images": null, "quote": "", "retweeted": false}
  ],
  []
]`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewThreadStore(path)
	threads, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("threads = %d, want empty thread dropped", len(threads))
	}
	p := threads[0][0]
	if p.Images == nil || p.URLs == nil || p.Quote != nil || p.QuoteRetweeted {
		t.Errorf("post not normalized: %+v", p)
	}

	if err := s.Save(threads); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _ := os.ReadFile(path)
	for _, field := range []string{`"images": []`, `"urls": []`, `"quote": null`, `"quote_retweeted": false`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("saved file lacks %s:\n%s", field, data)
		}
	}
}

func TestThreadStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "threads.json")
	s := NewThreadStore(path)
	initial, _, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}

	next := []types.Thread{{{URL: "a", Text: "one"}}}
	if err := s.CompareAndSwap(initial, next); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}

	// a stale expectation must not overwrite
	stale := []types.Thread{{{URL: "b"}}}
	if err := s.CompareAndSwap(initial, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, _, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0][0].URL != "a" {
		t.Errorf("store = %+v, want the first swap", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestThreadStoreRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "threads.json")
	if err := os.WriteFile(path, []byte("[[{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewThreadStore(path).Load(); err == nil {
		t.Fatal("expected parse error")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "[[{" {
		t.Error("corrupt file was overwritten")
	}
}
