// Package manifest defines the remote file listing that a target directory
// is reconciled against, and the sources that produce it.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
)

// Entry describes one remote file. Name is the identifier as published by
// the source and may embed a version tag.
type Entry struct {
	Name string `json:"name" validate:"required,excludesall=/\\"`
	Hash string `json:"sha"`
	URL  string `json:"download_url" validate:"required,url"`
}

// Manifest is the ordered list of entries that make up the desired file set
type Manifest []Entry

// Source produces the current manifest
type Source interface {
	// Fetch retrieves the complete manifest. Any error is fatal to a run.
	Fetch(ctx context.Context) (Manifest, error)
	// Describe returns a short human readable description for logs
	Describe() string
}

// Revisioned is implemented by sources that know which revision they
// produced on their last fetch (e.g. a git commit).
type Revisioned interface {
	Revision() string
}

var validate = validator.New()

// Validate checks an entry for a usable name and download location
func (e Entry) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid manifest entry %q: %w", e.Name, err)
	}
	if e.Name == "." || e.Name == ".." {
		return fmt.Errorf("invalid manifest entry %q: not a file name", e.Name)
	}
	return nil
}

// Names returns the identifiers of all entries in order
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for _, e := range m {
		names = append(names, e.Name)
	}
	return names
}

// Filter keeps only entries whose name matches at least one of the
// doublestar patterns. An empty pattern list keeps everything.
func (m Manifest) Filter(patterns []string) (Manifest, error) {
	if len(patterns) == 0 {
		return m, nil
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}

	kept := make(Manifest, 0, len(m))
	for _, e := range m {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, e.Name); ok {
				kept = append(kept, e)
				break
			}
		}
	}
	return kept, nil
}

// Decode reads a JSON array of entries
func Decode(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return m, nil
}

// Encode writes m as an indented JSON array
func Encode(w io.Writer, m Manifest) error {
	if m == nil {
		m = Manifest{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
