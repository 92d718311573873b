package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
source:
  kind: github
  include: ["*.jar"]
  github:
    owner: "ilovecherries"
    repo: "test-load-repo"
    path: "mods"
    ref: "main"

paths:
  target_dir: "/home/user/.minecraft/mods"
  state_dir: "/home/user/.local/state/packsyncd"

sync:
  concurrency: 8
  verify: hash
  timeout: 90s
  exclude_self: true
  restart: changed
  restart_units: ["minecraft.service"]

serve:
  enabled: false
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Verify loaded values
	if cfg.Source.GitHub.Repo != "test-load-repo" {
		t.Errorf("expected repo test-load-repo, got %s", cfg.Source.GitHub.Repo)
	}
	if cfg.Source.GitHub.APIURL != DefaultGitHubAPIURL {
		t.Errorf("expected default api url, got %s", cfg.Source.GitHub.APIURL)
	}
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Sync.Concurrency)
	}
	if cfg.Sync.Verify != VerifyHash {
		t.Errorf("expected verify hash, got %s", cfg.Sync.Verify)
	}
	if cfg.Sync.Timeout != 90*time.Second {
		t.Errorf("expected timeout 90s, got %s", cfg.Sync.Timeout)
	}
	if cfg.Sync.Restart != RestartChanged {
		t.Errorf("expected restart policy changed, got %s", cfg.Sync.Restart)
	}
	if len(cfg.Sync.Extensions) != 2 {
		t.Errorf("expected default extensions, got %v", cfg.Sync.Extensions)
	}
}

func TestLoad_ExpandsEnvAndHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Setenv("PACK_OWNER", "someone")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
source:
  github:
    owner: "${PACK_OWNER}"
    repo: "pack"
paths:
  target_dir: "~/mods"
  state_dir: "$HOME/state"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Source.Kind != SourceGitHub {
		t.Errorf("expected default kind github, got %s", cfg.Source.Kind)
	}
	if cfg.Source.GitHub.Owner != "someone" {
		t.Errorf("owner = %q, want someone", cfg.Source.GitHub.Owner)
	}
	if want := filepath.Join(home, "mods"); cfg.Paths.TargetDir != want {
		t.Errorf("target_dir = %q, want %q", cfg.Paths.TargetDir, want)
	}
	if want := filepath.Join(home, "state"); cfg.Paths.StateDir != want {
		t.Errorf("state_dir = %q, want %q", cfg.Paths.StateDir, want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("source: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

// validConfig returns a config that passes validation
func validConfig() Config {
	return Config{
		Source: SourceConfig{
			Kind: SourceGitHub,
			GitHub: GitHubConfig{
				Owner:  "owner",
				Repo:   "repo",
				APIURL: DefaultGitHubAPIURL,
			},
		},
		Paths: PathsConfig{
			TargetDir: "/absolute/mods",
			StateDir:  "/absolute/state",
		},
		Sync: SyncConfig{
			Concurrency: 1,
			Verify:      VerifyName,
			Restart:     RestartNone,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing github owner",
			modify:  func(c *Config) { c.Source.GitHub.Owner = "" },
			wantErr: true,
		},
		{
			name:    "missing github repo",
			modify:  func(c *Config) { c.Source.GitHub.Repo = "" },
			wantErr: true,
		},
		{
			name:    "non-http api url",
			modify:  func(c *Config) { c.Source.GitHub.APIURL = "ftp://example.com" },
			wantErr: true,
		},
		{
			name:    "invalid include pattern",
			modify:  func(c *Config) { c.Source.Include = []string{"[oops"} },
			wantErr: true,
		},
		{
			name:    "unknown source kind",
			modify:  func(c *Config) { c.Source.Kind = "s3" },
			wantErr: true,
		},
		{
			name: "valid git source",
			modify: func(c *Config) {
				c.Source.Kind = SourceGit
				c.Source.Git = GitConfig{URL: "git@github.com:test/repo.git", Ref: "main", SSHKeyFile: "/key"}
			},
			wantErr: false,
		},
		{
			name: "git source missing ref",
			modify: func(c *Config) {
				c.Source.Kind = SourceGit
				c.Source.Git = GitConfig{URL: "https://github.com/test/repo.git"}
			},
			wantErr: true,
		},
		{
			name: "git both ssh key and https token set",
			modify: func(c *Config) {
				c.Source.Kind = SourceGit
				c.Source.Git = GitConfig{URL: "git@github.com:test/repo.git", Ref: "main", SSHKeyFile: "/key", HTTPSTokenFile: "/token"}
			},
			wantErr: true,
		},
		{
			name: "git ssh key with https url",
			modify: func(c *Config) {
				c.Source.Kind = SourceGit
				c.Source.Git = GitConfig{URL: "https://github.com/test/repo.git", Ref: "main", SSHKeyFile: "/key"}
			},
			wantErr: true,
		},
		{
			name: "git https token with ssh url",
			modify: func(c *Config) {
				c.Source.Kind = SourceGit
				c.Source.Git = GitConfig{URL: "git@github.com:test/repo.git", Ref: "main", HTTPSTokenFile: "/token"}
			},
			wantErr: true,
		},
		{
			name: "file source missing path",
			modify: func(c *Config) {
				c.Source.Kind = SourceFile
			},
			wantErr: true,
		},
		{
			name:    "missing target_dir",
			modify:  func(c *Config) { c.Paths.TargetDir = "" },
			wantErr: true,
		},
		{
			name:    "relative target_dir",
			modify:  func(c *Config) { c.Paths.TargetDir = "relative/mods" },
			wantErr: true,
		},
		{
			name:    "relative state_dir",
			modify:  func(c *Config) { c.Paths.StateDir = "relative/state" },
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Sync.Concurrency = 0 },
			wantErr: true,
		},
		{
			name:    "invalid verify mode",
			modify:  func(c *Config) { c.Sync.Verify = "bogus" },
			wantErr: true,
		},
		{
			name:    "invalid restart policy",
			modify:  func(c *Config) { c.Sync.Restart = "bogus" },
			wantErr: true,
		},
		{
			name:    "restart changed without units",
			modify:  func(c *Config) { c.Sync.Restart = RestartChanged },
			wantErr: true,
		},
		{
			name: "restart changed with units",
			modify: func(c *Config) {
				c.Sync.Restart = RestartChanged
				c.Sync.RestartUnits = []string{"minecraft.service"}
			},
			wantErr: false,
		},
		{
			name: "serve enabled missing listen_addr",
			modify: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, GitHubWebhookSecretFile: "/secret"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled missing webhook secret file",
			modify: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: "127.0.0.1:8080"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.Source.Kind != SourceGitHub {
		t.Errorf("applyDefaults() kind = %q, want %q", cfg.Source.Kind, SourceGitHub)
	}
	if cfg.Sync.Concurrency != DefaultConcurrency {
		t.Errorf("applyDefaults() concurrency = %d, want %d", cfg.Sync.Concurrency, DefaultConcurrency)
	}
	if cfg.Sync.Verify != VerifyName {
		t.Errorf("applyDefaults() verify = %q, want %q", cfg.Sync.Verify, VerifyName)
	}
	if cfg.Sync.Timeout != DefaultTimeout {
		t.Errorf("applyDefaults() timeout = %s, want %s", cfg.Sync.Timeout, DefaultTimeout)
	}
	if cfg.Sync.Restart != RestartNone {
		t.Errorf("applyDefaults() restart = %q, want %q", cfg.Sync.Restart, RestartNone)
	}

	// Explicit values must not be overwritten
	cfg2 := Config{
		Source: SourceConfig{GitHub: GitHubConfig{APIURL: "https://ghe.example.com/api/v3/"}},
		Sync:   SyncConfig{Restart: RestartChanged, Verify: VerifyHash},
	}
	cfg2.applyDefaults()

	if cfg2.Sync.Restart != RestartChanged {
		t.Errorf("applyDefaults() overwrote explicit restart policy, got %q", cfg2.Sync.Restart)
	}
	if cfg2.Sync.Verify != VerifyHash {
		t.Errorf("applyDefaults() overwrote explicit verify mode, got %q", cfg2.Sync.Verify)
	}
	if cfg2.Source.GitHub.APIURL != "https://ghe.example.com/api/v3" {
		t.Errorf("applyDefaults() api url = %q, want trailing slash trimmed", cfg2.Source.GitHub.APIURL)
	}
}

func TestGitSourceDir(t *testing.T) {
	tests := []struct {
		name   string
		subdir string
		want   string
	}{
		{
			name:   "empty subdir returns RepoDir",
			subdir: "",
			want:   "/state/repo",
		},
		{
			name:   "subdir set returns RepoDir/subdir",
			subdir: "mods",
			want:   "/state/repo/mods",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Paths:  PathsConfig{StateDir: "/state"},
				Source: SourceConfig{Git: GitConfig{Subdir: tt.subdir}},
			}
			if got := cfg.GitSourceDir(); got != tt.want {
				t.Errorf("GitSourceDir() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		git  GitConfig
		want string
	}{
		{name: "ssh key set", git: GitConfig{SSHKeyFile: "/key"}, want: "ssh"},
		{name: "https token set", git: GitConfig{HTTPSTokenFile: "/token"}, want: "https"},
		{name: "none", git: GitConfig{}, want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Source: SourceConfig{Git: tt.git}}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true

	got, err := DefaultPath()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".config", "packsyncd", "config.yaml"); got != want {
		t.Errorf("DefaultPath() = %s, want %s", got, want)
	}
}
