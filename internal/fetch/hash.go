package fetch

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// BlobHash computes the git blob id of size bytes read from r. GitHub
// listings and git trees identify file content this way.
func BlobHash(r io.Reader, size int64) (string, error) {
	h := sha1.New()
	_, _ = fmt.Fprintf(h, "blob %d\x00", size)
	n, err := io.Copy(h, r)
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("short read: got %d bytes, want %d", n, size)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileBlobHash computes the git blob id of the file at path
func FileBlobHash(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return BlobHash(f, info.Size())
}
