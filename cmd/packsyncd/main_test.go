package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/fetch"
	"github.com/schaermu/packsyncd/internal/git"
	"github.com/schaermu/packsyncd/internal/github"
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/spf13/afero"
)

// mockSystemd implements systemduser.Systemd for testing.
type mockSystemd struct {
	restarts int
}

func (m *mockSystemd) IsAvailable(_ context.Context) (bool, error) {
	return true, nil
}

func (m *mockSystemd) TryRestartUnits(_ context.Context, _ []string) error {
	m.restarts++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			if logger := setupLogger(); logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

// fileSetup writes a file-source config, a manifest and the artifacts it
// points at. It returns the config path and the target directory.
func fileSetup(t *testing.T, names ...string) (string, string) {
	t.Helper()
	tmpDir := t.TempDir()
	upstream := filepath.Join(tmpDir, "upstream")
	targetDir := filepath.Join(tmpDir, "mods")
	stateDir := filepath.Join(tmpDir, "state")
	if err := os.MkdirAll(upstream, 0o755); err != nil {
		t.Fatal(err)
	}

	var m manifest.Manifest
	for _, name := range names {
		path := filepath.Join(upstream, name)
		if err := os.WriteFile(path, []byte("content of "+name), 0o644); err != nil {
			t.Fatal(err)
		}
		m = append(m, manifest.Entry{Name: name, URL: "file://" + filepath.ToSlash(path)})
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	manifestPath := filepath.Join(tmpDir, "manifest.json")
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	configContent := []byte(`source:
  kind: file
  file:
    path: "` + manifestPath + `"
paths:
  target_dir: "${PACKSYNCD_TEST_TARGET}"
  state_dir: "` + stateDir + `"
sync:
  restart: changed
  restart_units: ["game.service"]
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	t.Setenv("PACKSYNCD_TEST_TARGET", targetDir)
	return cfgPath, targetDir
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile, _ = fileSetup(t, "alpha-1.0.jar")

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Source.Kind != config.SourceFile {
		t.Errorf("source kind = %q, want file", cfg.Source.Kind)
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	origCfgFile, origEnvFile := cfgFile, envFile
	t.Cleanup(func() {
		cfgFile = origCfgFile
		envFile = origEnvFile
	})

	var targetDir string
	cfgFile, targetDir = fileSetup(t, "alpha-1.0.jar")
	// registered for restore, then removed so the env file can provide it
	t.Setenv("PACKSYNCD_TEST_TARGET", "")
	if err := os.Unsetenv("PACKSYNCD_TEST_TARGET"); err != nil {
		t.Fatal(err)
	}

	envFile = filepath.Join(t.TempDir(), "packsyncd.env")
	if err := os.WriteFile(envFile, []byte("PACKSYNCD_TEST_TARGET="+targetDir+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Paths.TargetDir != targetDir {
		t.Errorf("target dir = %q, want %q", cfg.Paths.TargetDir, targetDir)
	}
}

func TestLoadConfig_MissingEnvFile(t *testing.T) {
	origCfgFile, origEnvFile := cfgFile, envFile
	t.Cleanup(func() {
		cfgFile = origCfgFile
		envFile = origEnvFile
	})

	cfgFile, _ = fileSetup(t)
	envFile = filepath.Join(t.TempDir(), "missing.env")

	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	// the default config file doesn't exist in the fresh home
	if _, err := loadConfig(testLogger()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestSyncOnce_FileSource(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	var targetDir string
	cfgFile, targetDir = fileSetup(t, "alpha-1.0.jar", "beta.zip")
	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	systemd := &mockSystemd{}

	changed, err := syncOnce(context.Background(), cfg, afero.NewOsFs(), systemd, testLogger(), false)
	if err != nil {
		t.Fatalf("syncOnce() error = %v", err)
	}
	if !changed {
		t.Error("expected first sync to report changes")
	}
	if systemd.restarts != 1 {
		t.Errorf("expected one restart, got %d", systemd.restarts)
	}
	got, err := os.ReadFile(filepath.Join(targetDir, "alpha-1.0.jar"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "content of alpha-1.0.jar" {
		t.Errorf("unexpected content %q", got)
	}

	changed, err = syncOnce(context.Background(), cfg, afero.NewOsFs(), systemd, testLogger(), false)
	if err != nil {
		t.Fatalf("second syncOnce() error = %v", err)
	}
	if changed {
		t.Error("expected second sync to report no changes")
	}
	if systemd.restarts != 1 {
		t.Error("unchanged sync must not restart units")
	}
}

func TestSyncOnce_DryRun(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	var targetDir string
	cfgFile, targetDir = fileSetup(t, "alpha-1.0.jar")
	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	systemd := &mockSystemd{}

	changed, err := syncOnce(context.Background(), cfg, afero.NewOsFs(), systemd, testLogger(), true)
	if err != nil {
		t.Fatalf("syncOnce() error = %v", err)
	}
	if changed || systemd.restarts != 0 {
		t.Error("dry-run must not change or restart anything")
	}
	if _, err := os.Stat(targetDir); !os.IsNotExist(err) {
		t.Error("dry-run must not create the target directory")
	}
}

func TestSyncOnce_FetchFailure(t *testing.T) {
	cfg := &config.Config{
		Source: config.SourceConfig{Kind: config.SourceFile, File: config.FileConfig{Path: "/nonexistent/manifest.json"}},
		Paths:  config.PathsConfig{TargetDir: "/mods", StateDir: "/state"},
		Sync:   config.SyncConfig{Concurrency: 1, Verify: config.VerifyName, Restart: config.RestartNone},
	}

	if _, err := syncOnce(context.Background(), cfg, afero.NewMemMapFs(), &mockSystemd{}, testLogger(), false); err == nil {
		t.Fatal("expected error when the manifest cannot be read")
	}
}

func TestNewSource(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("ghp_test\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("github", func(t *testing.T) {
		cfg := &config.Config{Source: config.SourceConfig{
			Kind:   config.SourceGitHub,
			GitHub: config.GitHubConfig{Owner: "o", Repo: "r", TokenFile: tokenFile},
		}}
		opts := fetch.DefaultOptions()
		src, err := newSource(cfg, afero.NewMemMapFs(), opts, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := src.(*github.Source); !ok {
			t.Errorf("expected *github.Source, got %T", src)
		}
		if opts.Headers["Authorization"] != "Bearer ghp_test" {
			t.Errorf("expected download auth header, got %v", opts.Headers)
		}
		if !slices.Equal(opts.HeaderHosts, []string{"raw.githubusercontent.com", "api.github.com"}) {
			t.Errorf("auth header hosts = %v", opts.HeaderHosts)
		}
	})

	t.Run("github missing token", func(t *testing.T) {
		cfg := &config.Config{Source: config.SourceConfig{
			Kind:   config.SourceGitHub,
			GitHub: config.GitHubConfig{Owner: "o", Repo: "r", TokenFile: "/nonexistent/token"},
		}}
		if _, err := newSource(cfg, afero.NewMemMapFs(), fetch.DefaultOptions(), testLogger()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("git", func(t *testing.T) {
		cfg := &config.Config{
			Source: config.SourceConfig{Kind: config.SourceGit, Git: config.GitConfig{URL: "https://example.com/r.git", Ref: "main"}},
			Paths:  config.PathsConfig{StateDir: "/state"},
		}
		src, err := newSource(cfg, afero.NewMemMapFs(), fetch.DefaultOptions(), testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := src.(*git.Source); !ok {
			t.Errorf("expected *git.Source, got %T", src)
		}
	})

	t.Run("file", func(t *testing.T) {
		cfg := &config.Config{Source: config.SourceConfig{Kind: config.SourceFile, File: config.FileConfig{Path: "/m.json"}}}
		src, err := newSource(cfg, afero.NewMemMapFs(), fetch.DefaultOptions(), testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if src.Describe() != "file:/m.json" {
			t.Errorf("Describe() = %q", src.Describe())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := &config.Config{Source: config.SourceConfig{Kind: "ftp"}}
		if _, err := newSource(cfg, afero.NewMemMapFs(), fetch.DefaultOptions(), testLogger()); err == nil {
			t.Fatal("expected error for unknown kind")
		}
	})
}

func TestVersionCmd(t *testing.T) {
	// prints version info; should not panic
	versionCmd.Run(versionCmd, []string{})
}
