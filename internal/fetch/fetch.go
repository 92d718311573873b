// Package fetch downloads manifest entries into the target directory.
// Every write goes to a temp file next to the destination and is renamed
// into place, so a failed download never leaves a partial file behind.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/spf13/afero"
)

// DefaultTimeout is the default per-download timeout.
const DefaultTimeout = 5 * time.Minute

// DefaultUserAgent is sent with every HTTP request.
const DefaultUserAgent = "packsyncd"

// TempPrefix is the name prefix of in-flight download files
const TempPrefix = ".packsyncd-tmp-"

// Fetcher writes the content of an entry to dst
type Fetcher interface {
	Fetch(ctx context.Context, entry manifest.Entry, dst string) error
}

// Error represents a failed download.
type Error struct {
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetch error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("fetch error for %s: %s", e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures the fetch behavior.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	// HeaderHosts limits Headers to requests for these host names.
	// Empty sends them with every request.
	HeaderHosts []string
	// Verify checks downloaded content against the entry hash, which must
	// be a git blob id. Entries without a hash are not checked.
	Verify bool
}

// DefaultOptions returns sensible defaults for fetching.
func DefaultOptions() *Options {
	return &Options{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
	}
}

// Client fetches http, https and file locations
type Client struct {
	fs   afero.Fs
	http *http.Client
	opts *Options
}

// NewClient creates a client writing through fs
func NewClient(fs afero.Fs, opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Client{
		fs:   fs,
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
	}
}

// Fetch downloads entry.URL to dst
func (c *Client) Fetch(ctx context.Context, entry manifest.Entry, dst string) error {
	body, err := c.open(ctx, entry.URL)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	return c.write(entry, body, dst)
}

// open returns a reader for the download location
func (c *Client) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Message: "invalid URL", Cause: err}
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return c.openHTTP(ctx, rawURL)
	case "file":
		f, err := os.Open(filepath.FromSlash(parsed.Path))
		if err != nil {
			return nil, &Error{URL: rawURL, Message: "failed to open file", Cause: err}
		}
		return f, nil
	default:
		return nil, &Error{URL: rawURL, Message: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
	}
}

func (c *Client) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Message: "failed to create request", Cause: err}
	}

	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.sendHeaders(req.URL.Hostname()) {
		for key, value := range c.opts.Headers {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: rawURL, Message: "HTTP request failed", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &Error{URL: rawURL, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

// sendHeaders reports whether the configured headers go to host
func (c *Client) sendHeaders(host string) bool {
	if len(c.opts.HeaderHosts) == 0 {
		return true
	}
	for _, h := range c.opts.HeaderHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// write streams r into a temp file in dst's directory and renames it
func (c *Client) write(entry manifest.Entry, r io.Reader, dst string) error {
	dir := filepath.Dir(dst)
	if err := c.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(c.fs, dir, TempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = c.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return &Error{URL: entry.URL, Message: "failed to read body", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if c.opts.Verify && entry.Hash != "" {
		got, err := FileBlobHash(c.fs, tmpPath)
		if err != nil {
			return err
		}
		if got != entry.Hash {
			return &Error{URL: entry.URL, Message: fmt.Sprintf("hash mismatch: got %s, want %s", got, entry.Hash)}
		}
	}

	return c.fs.Rename(tmpPath, dst)
}

// CopyFile copies src to dst within fs with an atomic rename
func CopyFile(fs afero.Fs, src, dst string) error {
	srcFile, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmp, err := afero.TempFile(fs, filepath.Dir(dst), TempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, srcFile); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return fs.Rename(tmpPath, dst)
}
