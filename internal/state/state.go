// Package state persists the manifest processed by the previous run so the
// next run can tell which files left the remote listing.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/spf13/afero"
)

// FileName is the name of the state file inside the state directory
const FileName = "state.json"

// TempPattern matches in-flight state writes
const TempPattern = ".state-*.tmp"

// State is the persisted result of the last processed manifest
type State struct {
	Source   string            `json:"source"`
	Revision string            `json:"revision,omitempty"`
	SavedAt  time.Time         `json:"saved_at"`
	Entries  manifest.Manifest `json:"entries"`
	// Pending holds entries whose local file could not be removed; they
	// are retried on the next run.
	Pending manifest.Manifest `json:"pending_removal,omitempty"`
}

// Store loads and saves State as JSON
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a store for the state file in dir
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, path: filepath.Join(dir, FileName)}
}

// Path returns the state file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the previous state. It returns nil and no error when no state
// has been saved yet.
func (s *Store) Load() (*State, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}

// Save replaces the state file atomically
func (s *Store) Save(st *State) error {
	if st.Entries == nil {
		st.Entries = manifest.Manifest{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, TempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
