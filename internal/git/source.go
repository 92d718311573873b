package git

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"sync"

	"github.com/schaermu/packsyncd/internal/manifest"
)

// Source implements manifest.Source over a git checkout. Download
// locations are file URIs pointing into the checkout.
type Source struct {
	client  Client
	url     string
	ref     string
	repoDir string
	subdir  string
	logger  *slog.Logger

	mu       sync.Mutex
	revision string
}

// NewSource creates a source that checks out url@ref into repoDir and
// lists subdir
func NewSource(client Client, url, ref, repoDir, subdir string, logger *slog.Logger) *Source {
	return &Source{
		client:  client,
		url:     url,
		ref:     ref,
		repoDir: repoDir,
		subdir:  subdir,
		logger:  logger,
	}
}

// Describe implements manifest.Source
func (s *Source) Describe() string {
	d := "git:" + s.url + "@" + s.ref
	if s.subdir != "" {
		d += ":" + s.subdir
	}
	return d
}

// Revision returns the commit of the last successful fetch
func (s *Source) Revision() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Fetch updates the checkout and lists the files of subdir
func (s *Source) Fetch(ctx context.Context) (manifest.Manifest, error) {
	commit, err := s.client.EnsureCheckout(ctx, s.url, s.ref, s.repoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to checkout repository: %w", err)
	}
	s.logger.Info("repository checked out", "commit", commit)

	blobs, err := s.client.ListBlobs(ctx, s.repoDir, s.subdir)
	if err != nil {
		return nil, fmt.Errorf("failed to list repository files: %w", err)
	}

	m := make(manifest.Manifest, 0, len(blobs))
	for _, b := range blobs {
		abs := filepath.Join(s.repoDir, filepath.FromSlash(b.Path))
		u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
		m = append(m, manifest.Entry{
			Name: path.Base(b.Path),
			Hash: b.ID,
			URL:  u.String(),
		})
	}

	s.mu.Lock()
	s.revision = commit
	s.mu.Unlock()
	return m, nil
}
