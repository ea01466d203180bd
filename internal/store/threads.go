// Package store persists mirrored threads, per-destination deliveries and
// observation snapshots.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

// ErrConflict is returned by CompareAndSwap when the file changed since it
// was read
var ErrConflict = errors.New("thread store changed on disk")

// ThreadStore is the JSON file of threads that were already mirrored. It is
// read whole and replaced whole; a crash never leaves a partial file.
type ThreadStore struct {
	path string
	mu   sync.Mutex
}

// NewThreadStore returns a store backed by path
func NewThreadStore(path string) *ThreadStore {
	return &ThreadStore{path: path}
}

// Path returns the backing file path.
func (s *ThreadStore) Path() string { return s.path }

// Load reads every stored thread. A missing file is created holding an
// empty array, and created reports that it did not exist before.
func (s *ThreadStore) Load() (threads []types.Thread, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threads, err = s.read()
	if errors.Is(err, os.ErrNotExist) {
		if err := s.write(nil); err != nil {
			return nil, false, err
		}
		return []types.Thread{}, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return threads, false, nil
}

// Save replaces the file with threads.
func (s *ThreadStore) Save(threads []types.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(threads)
}

// CompareAndSwap replaces the file with next only if it still holds
// expected.
func (s *ThreadStore) CompareAndSwap(expected, next []types.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	a, err := encode(current)
	if err != nil {
		return err
	}
	b, err := encode(expected)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return ErrConflict
	}

	return s.write(next)
}

func (s *ThreadStore) read() ([]types.Thread, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var threads []types.Thread
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &threads); err != nil {
			return nil, fmt.Errorf("failed to parse thread store %s: %w", s.path, err)
		}
	}

	out := make([]types.Thread, 0, len(threads))
	for _, t := range threads {
		if len(t) == 0 {
			continue
		}
		for i := range t {
			t[i].Normalize()
		}
		out = append(out, t)
	}
	return out, nil
}

// write replaces the file through a synced temp file and a rename
func (s *ThreadStore) write(threads []types.Thread) error {
	data, err := encode(threads)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace thread store: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// encode renders threads the way they are stored on disk
func encode(threads []types.Thread) ([]byte, error) {
	out := make([]types.Thread, 0, len(threads))
	for _, t := range threads {
		nt := make(types.Thread, len(t))
		for i, p := range t {
			p.Normalize()
			nt[i] = p
		}
		out = append(out, nt)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal threads: %w", err)
	}
	return append(data, '\n'), nil
}
