package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SnapshotKind identifies what a snapshot holds
type SnapshotKind string

const (
	// SnapshotObserved is the thread list scraped in a cycle
	SnapshotObserved SnapshotKind = "observed"
	// SnapshotReport is the outcome of a cycle
	SnapshotReport SnapshotKind = "report"
)

// Snapshots keeps timestamped JSON files for debugging cycles
type Snapshots struct {
	dir  string
	keep int
	now  func() time.Time
}

// NewSnapshots writes snapshots under dir, keeping the newest keep files of
// each kind. keep <= 0 keeps everything.
func NewSnapshots(dir string, keep int) *Snapshots {
	return &Snapshots{dir: dir, keep: keep, now: time.Now}
}

func (s *Snapshots) kindDir(kind SnapshotKind) string {
	return filepath.Join(s.dir, string(kind))
}

// generateFilename creates a sortable timestamped filename
func (s *Snapshots) generateFilename() string {
	return s.now().UTC().Format("2006-01-02T15-04-05.000") + ".json"
}

// Save writes data as indented JSON and returns the file path.
func (s *Snapshots) Save(kind SnapshotKind, data any) (string, error) {
	dir := s.kindDir(kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	path := filepath.Join(dir, s.generateFilename())

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := s.prune(kind); err != nil {
		return path, err
	}
	return path, nil
}

// Latest returns the path of the newest snapshot of kind.
func (s *Snapshots) Latest(kind SnapshotKind) (string, error) {
	files, err := s.list(kind)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no %s snapshots in %s", kind, s.dir)
	}
	return files[len(files)-1], nil
}

// LoadSnapshot decodes a snapshot file.
func LoadSnapshot[T any](path string) (T, error) {
	var data T

	jsonData, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonData, &data); err != nil {
		return data, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return data, nil
}

// list returns snapshot paths of kind, oldest first
func (s *Snapshots) list(kind SnapshotKind) ([]string, error) {
	dir := s.kindDir(kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	// names are timestamps, so lexical order is chronological
	sort.Strings(files)
	return files, nil
}

func (s *Snapshots) prune(kind SnapshotKind) error {
	if s.keep <= 0 {
		return nil
	}
	files, err := s.list(kind)
	if err != nil {
		return err
	}
	for len(files) > s.keep {
		if err := os.Remove(files[0]); err != nil {
			return fmt.Errorf("failed to prune snapshot: %w", err)
		}
		files = files[1:]
	}
	return nil
}
