// Package github lists a repository directory through the GitHub contents
// API and turns its files into a manifest.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/manifest"
)

// maxListingBytes caps the size of a directory listing response
const maxListingBytes = 10 << 20

// contentItem holds the relevant fields of one contents API entry
type contentItem struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
}

// apiError is the error body returned by the GitHub API
type apiError struct {
	Message string `json:"message"`
}

// Source implements manifest.Source for a GitHub repository directory
type Source struct {
	http   *http.Client
	cfg    config.GitHubConfig
	token  string
	logger *slog.Logger
}

// NewSource creates a GitHub source. token may be empty for public repos.
func NewSource(cfg config.GitHubConfig, token string, timeout time.Duration, logger *slog.Logger) *Source {
	if cfg.APIURL == "" {
		cfg.APIURL = config.DefaultGitHubAPIURL
	}
	return &Source{
		http:   &http.Client{Timeout: timeout},
		cfg:    cfg,
		token:  token,
		logger: logger,
	}
}

// ReadToken reads an API token from path, trimming surrounding whitespace
func ReadToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read GitHub token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Describe implements manifest.Source
func (s *Source) Describe() string {
	d := fmt.Sprintf("github:%s/%s/%s", s.cfg.Owner, s.cfg.Repo, strings.Trim(s.cfg.Path, "/"))
	if s.cfg.Ref != "" {
		d += "@" + s.cfg.Ref
	}
	return d
}

// AuthHeaders returns the headers needed to download files of a private
// repository, or nil when no token is configured.
func (s *Source) AuthHeaders() map[string]string {
	if s.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + s.token}
}

// RawHost serves download_url links of github.com repositories
const RawHost = "raw.githubusercontent.com"

// AuthHosts returns the hosts that may receive AuthHeaders: the API host
// and the raw content host.
func (s *Source) AuthHosts() []string {
	hosts := []string{RawHost}
	if u, err := url.Parse(s.cfg.APIURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

// contentsURL builds the contents API URL for the configured directory
func (s *Source) contentsURL() string {
	segments := []string{"repos", url.PathEscape(s.cfg.Owner), url.PathEscape(s.cfg.Repo), "contents"}
	for _, seg := range strings.Split(strings.Trim(s.cfg.Path, "/"), "/") {
		if seg != "" {
			segments = append(segments, url.PathEscape(seg))
		}
	}

	u := s.cfg.APIURL + "/" + strings.Join(segments, "/")
	if s.cfg.Ref != "" {
		u += "?ref=" + url.QueryEscape(s.cfg.Ref)
	}
	return u
}

// Fetch lists the directory and returns its files in listing order
func (s *Source) Fetch(ctx context.Context) (manifest.Manifest, error) {
	u := s.contentsURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "packsyncd")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GitHub request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read GitHub response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Message != "" {
			return nil, fmt.Errorf("GitHub API returned %d for %s: %s", resp.StatusCode, u, apiErr.Message)
		}
		return nil, fmt.Errorf("GitHub API returned %d for %s", resp.StatusCode, u)
	}

	// A file path yields a single object instead of an array
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("GitHub path %q is not a directory", s.cfg.Path)
	}

	var items []contentItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to parse GitHub listing: %w", err)
	}

	m := make(manifest.Manifest, 0, len(items))
	for _, item := range items {
		if item.Type != "file" {
			s.logger.Debug("skipping non-file listing item", "name", item.Name, "type", item.Type)
			continue
		}
		if item.DownloadURL == "" {
			s.logger.Warn("skipping file without download url", "name", item.Name)
			continue
		}
		m = append(m, manifest.Entry{
			Name: item.Name,
			Hash: item.SHA,
			URL:  item.DownloadURL,
		})
	}

	s.logger.Debug("fetched GitHub listing", "url", u, "items", len(items), "files", len(m))
	return m, nil
}
