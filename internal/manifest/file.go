package manifest

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
)

// FileSource reads a manifest from a local JSON file
type FileSource struct {
	fs   afero.Fs
	path string
}

// NewFileSource creates a source backed by the JSON file at path
func NewFileSource(fs afero.Fs, path string) *FileSource {
	return &FileSource{fs: fs, path: path}
}

// Fetch reads and decodes the manifest file
func (s *FileSource) Fetch(ctx context.Context) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	return Decode(f)
}

// Describe implements Source
func (s *FileSource) Describe() string {
	return "file:" + s.path
}
