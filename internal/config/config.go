package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// SourceKind selects where the remote manifest comes from
type SourceKind string

const (
	SourceGitHub SourceKind = "github"
	SourceGit    SourceKind = "git"
	SourceFile   SourceKind = "file"
)

// VerifyMode defines how existing files are checked against the manifest
type VerifyMode string

const (
	// VerifyName trusts a matching file name
	VerifyName VerifyMode = "name"
	// VerifyHash additionally compares content hashes of same-named files
	VerifyHash VerifyMode = "hash"
)

// RestartPolicy defines when to restart units after sync
type RestartPolicy string

const (
	RestartNone    RestartPolicy = "none"
	RestartChanged RestartPolicy = "changed"
)

const (
	DefaultGitHubAPIURL = "https://api.github.com"
	DefaultConcurrency  = 4
	DefaultTimeout      = 5 * time.Minute
)

// Config represents the complete packsyncd configuration
type Config struct {
	Source SourceConfig `yaml:"source"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// SourceConfig configures the manifest source
type SourceConfig struct {
	Kind    SourceKind   `yaml:"kind"`
	Include []string     `yaml:"include"`
	GitHub  GitHubConfig `yaml:"github"`
	Git     GitConfig    `yaml:"git"`
	File    FileConfig   `yaml:"file"`
}

// GitHubConfig configures a GitHub repository directory listing
type GitHubConfig struct {
	Owner     string `yaml:"owner"`
	Repo      string `yaml:"repo"`
	Path      string `yaml:"path"`
	Ref       string `yaml:"ref"`
	APIURL    string `yaml:"api_url"`
	TokenFile string `yaml:"token_file"`
}

// GitConfig configures a Git repository source
type GitConfig struct {
	URL            string `yaml:"url"`
	Ref            string `yaml:"ref"`
	Subdir         string `yaml:"subdir"`
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// FileConfig configures a local manifest file source
type FileConfig struct {
	Path string `yaml:"path"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	TargetDir string `yaml:"target_dir"`
	StateDir  string `yaml:"state_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	Verify       VerifyMode    `yaml:"verify"`
	Timeout      time.Duration `yaml:"timeout"`
	Extensions   []string      `yaml:"extensions"`
	ExcludeSelf  bool          `yaml:"exclude_self"`
	SelfName     string        `yaml:"self_name"`
	Restart      RestartPolicy `yaml:"restart"`
	RestartUnits []string      `yaml:"restart_units"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	ListenAddr              string        `yaml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types"`
	AllowedRefs             []string      `yaml:"allowed_refs"`
	Interval                time.Duration `yaml:"interval"`
}

// DefaultPath returns the default config file location
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "packsyncd", "config.yaml"), nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables and ~ in path
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func expandPath(p string) (string, error) {
	p = os.ExpandEnv(p)
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand path %q: %w", p, err)
	}
	return expanded, nil
}

// expandEnv expands environment variables in all string fields, and ~ in
// filesystem paths
func (c *Config) expandEnv() error {
	c.Source.GitHub.Owner = os.ExpandEnv(c.Source.GitHub.Owner)
	c.Source.GitHub.Repo = os.ExpandEnv(c.Source.GitHub.Repo)
	c.Source.GitHub.Path = os.ExpandEnv(c.Source.GitHub.Path)
	c.Source.GitHub.Ref = os.ExpandEnv(c.Source.GitHub.Ref)
	c.Source.GitHub.APIURL = os.ExpandEnv(c.Source.GitHub.APIURL)
	c.Source.Git.URL = os.ExpandEnv(c.Source.Git.URL)
	c.Source.Git.Ref = os.ExpandEnv(c.Source.Git.Ref)
	c.Source.Git.Subdir = os.ExpandEnv(c.Source.Git.Subdir)
	c.Sync.SelfName = os.ExpandEnv(c.Sync.SelfName)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)

	paths := []*string{
		&c.Source.GitHub.TokenFile,
		&c.Source.Git.SSHKeyFile,
		&c.Source.Git.HTTPSTokenFile,
		&c.Source.File.Path,
		&c.Paths.TargetDir,
		&c.Paths.StateDir,
		&c.Serve.GitHubWebhookSecretFile,
	}
	for _, p := range paths {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = SourceGitHub
	}
	if c.Source.GitHub.APIURL == "" {
		c.Source.GitHub.APIURL = DefaultGitHubAPIURL
	}
	c.Source.GitHub.APIURL = strings.TrimRight(c.Source.GitHub.APIURL, "/")
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultConcurrency
	}
	if c.Sync.Verify == "" {
		c.Sync.Verify = VerifyName
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = DefaultTimeout
	}
	if len(c.Sync.Extensions) == 0 {
		c.Sync.Extensions = []string{"jar", "zip"}
	}
	if c.Sync.Restart == "" {
		c.Sync.Restart = RestartNone
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := c.validateSource(); err != nil {
		return err
	}

	// Validate paths
	if c.Paths.TargetDir == "" {
		return fmt.Errorf("paths.target_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.TargetDir) {
		return fmt.Errorf("paths.target_dir must be an absolute path: %s", c.Paths.TargetDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("sync.timeout must not be negative")
	}

	switch c.Sync.Verify {
	case VerifyName, VerifyHash:
		// valid
	default:
		return fmt.Errorf("invalid sync.verify mode: %s (must be name or hash)", c.Sync.Verify)
	}

	// Validate restart policy
	switch c.Sync.Restart {
	case RestartNone:
		// valid
	case RestartChanged:
		if len(c.Sync.RestartUnits) == 0 {
			return fmt.Errorf("sync.restart_units is required when sync.restart is changed")
		}
	default:
		return fmt.Errorf("invalid sync.restart policy: %s (must be none or changed)", c.Sync.Restart)
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
		if c.Serve.Interval < 0 {
			return fmt.Errorf("serve.interval must not be negative")
		}
	}

	return nil
}

func (c *Config) validateSource() error {
	for _, p := range c.Source.Include {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid source.include pattern: %q", p)
		}
	}

	switch c.Source.Kind {
	case SourceGitHub:
		if c.Source.GitHub.Owner == "" {
			return fmt.Errorf("source.github.owner is required")
		}
		if c.Source.GitHub.Repo == "" {
			return fmt.Errorf("source.github.repo is required")
		}
		if !strings.HasPrefix(c.Source.GitHub.APIURL, "https://") && !strings.HasPrefix(c.Source.GitHub.APIURL, "http://") {
			return fmt.Errorf("source.github.api_url must be an http(s) URL: %s", c.Source.GitHub.APIURL)
		}

	case SourceGit:
		if c.Source.Git.URL == "" {
			return fmt.Errorf("source.git.url is required")
		}
		if c.Source.Git.Ref == "" {
			return fmt.Errorf("source.git.ref is required")
		}

		// only one auth method may be configured
		if c.Source.Git.SSHKeyFile != "" && c.Source.Git.HTTPSTokenFile != "" {
			return fmt.Errorf("source.git: only one of ssh_key_file or https_token_file may be set")
		}

		// when auth is configured, the URL scheme must match
		if c.Source.Git.SSHKeyFile != "" && !c.IsSSH() {
			return fmt.Errorf("source.git.ssh_key_file is set but source.git.url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Source.Git.HTTPSTokenFile != "" && !c.IsHTTPS() {
			return fmt.Errorf("source.git.https_token_file is set but source.git.url does not use HTTPS scheme")
		}

	case SourceFile:
		if c.Source.File.Path == "" {
			return fmt.Errorf("source.file.path is required")
		}

	default:
		return fmt.Errorf("invalid source.kind: %s (must be github, git, or file)", c.Source.Kind)
	}
	return nil
}

// RepoDir returns the path where the git source is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// GitSourceDir returns the path within the checkout listed as the manifest
func (c *Config) GitSourceDir() string {
	if c.Source.Git.Subdir == "" {
		return c.RepoDir()
	}
	return filepath.Join(c.RepoDir(), c.Source.Git.Subdir)
}

// AuthMethod returns a description of the configured git auth method
func (c *Config) AuthMethod() string {
	if c.Source.Git.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Source.Git.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the git URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Source.Git.URL, "https://")
}

// IsSSH returns true if the git URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Source.Git.URL, "git@") || strings.HasPrefix(c.Source.Git.URL, "ssh://")
}
