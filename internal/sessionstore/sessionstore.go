// Package sessionstore persists the sub-agent session pointer across
// bridge reconnects, in the well-known temp-file location the sub-agent
// client's first caller needs at startup. The atomic write (temp file +
// rename) is grounded on other_examples' arkeep connection-manager
// (loadState/saveState), adapted from an agent-identity file to a single
// opaque session id string.
package sessionstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultPath is the well-known location read at startup and written after
// every new sub-agent session is created, per the persisted state layout.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "opencode-session-id")
}

// Store is a concurrency-safe cache of the persisted session pointer
// backed by a single file. There is no cross-process locking: the bridge
// is the file's only writer within its sandbox.
type Store struct {
	mu   sync.RWMutex
	path string
	id   string
}

// New creates a Store bound to path without touching the filesystem.
// Call Load to populate it from disk.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted pointer, if any. A missing file is not an
// error — it means "no prior session".
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessionstore: read %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.id = string(data)
	s.mu.Unlock()
	return nil
}

// Get returns the currently known session id, or "" if none is set.
func (s *Store) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Set persists id to disk and updates the in-memory value. Per the data
// model invariant, callers must only call Set after the sub-agent has
// acknowledged creation of the session.
func (s *Store) Set(id string) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".opencode-session-id-*")
	if err != nil {
		return fmt.Errorf("sessionstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(id); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sessionstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sessionstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sessionstore: rename temp file into place: %w", err)
	}

	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return nil
}

// Clear discards the in-memory and on-disk pointer, used when the sub-agent
// rejects a previously persisted session id.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessionstore: remove %s: %w", s.path, err)
	}
	return nil
}
