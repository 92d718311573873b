package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/fetch"
	"github.com/schaermu/packsyncd/internal/git"
	"github.com/schaermu/packsyncd/internal/github"
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/sync"
	"github.com/schaermu/packsyncd/internal/systemduser"
	"github.com/schaermu/packsyncd/internal/webhook"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// DefaultChangedExitCode is the exit status of sync when files changed
const DefaultChangedExitCode = 3

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	// Sync flags
	dryRun          bool
	changedExitCode int

	// exitCode is returned by main after a successful command
	exitCode int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "packsyncd",
	Short: "Keep a local directory in sync with a remote file listing",
	Long: `packsyncd converges a local directory (for example a game's mods folder)
on a remote file listing published through the GitHub contents API, a Git
repository or a local manifest file.

Renamed versions of a file replace the old version, files removed upstream
are deleted, and a failed download is retried on the next run. It can run
as a oneshot sync (via systemd timer) or as a long-running webhook daemon.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of the target directory",
	Long: `Sync fetches the configured manifest, deletes files that left it, and
downloads new or renamed files into the target directory.

The command exits with --changed-exit-code when any file was downloaded,
updated or deleted, so that a wrapper can restart the consuming program.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then listens for GitHub push webhooks,
syncing again whenever the configured repository is updated. With
serve.interval set it also resyncs periodically.

The listener is taken from systemd socket activation when available.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("packsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/packsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file before reading the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().IntVar(&changedExitCode, "changed-exit-code", DefaultChangedExitCode, "exit status when files changed (0 disables)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	changed, err := syncOnce(ctx, cfg, afero.NewOsFs(), systemduser.NewClient(), logger, dryRun)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	if changed {
		exitCode = changedExitCode
	}
	return nil
}

// syncOnce performs one run and applies the restart policy. It reports
// whether any file changed.
func syncOnce(ctx context.Context, cfg *config.Config, fs afero.Fs, systemd systemduser.Systemd, logger *slog.Logger, dryRun bool) (bool, error) {
	engine, err := newEngine(cfg, fs, logger, dryRun)
	if err != nil {
		return false, err
	}

	led, err := engine.Run(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range led.Changes() {
		logger.Debug("change", "record", c.String())
	}

	if !dryRun {
		restarter := systemduser.NewRestarter(systemd, cfg.Sync, logger)
		if err := restarter.AfterRun(ctx, led); err != nil {
			// restart problems do not fail the sync
			logger.Warn("restart operations had issues", "error", err)
		}
	}
	return led.AnyChange(), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve.enabled must be true to run the webhook server")
	}

	engine, err := newEngine(cfg, afero.NewOsFs(), logger, false)
	if err != nil {
		return err
	}
	restarter := systemduser.NewRestarter(systemduser.NewClient(), cfg.Sync, logger)

	server, err := webhook.NewServer(cfg, engine, restarter, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}
	return server.Start(ctx)
}

// newEngine wires the configured manifest source and fetcher into an engine
func newEngine(cfg *config.Config, fs afero.Fs, logger *slog.Logger, dryRun bool) (*sync.Engine, error) {
	opts := fetch.DefaultOptions()
	opts.Timeout = cfg.Sync.Timeout
	opts.Verify = cfg.Sync.Verify == config.VerifyHash

	source, err := newSource(cfg, fs, opts, logger)
	if err != nil {
		return nil, err
	}

	engine, err := sync.NewEngine(cfg, source, fetch.NewClient(fs, opts), fs, logger, dryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	return engine, nil
}

// newSource creates the manifest source for cfg. Sources that need
// download credentials add them to opts.
func newSource(cfg *config.Config, fs afero.Fs, opts *fetch.Options, logger *slog.Logger) (manifest.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceGitHub:
		token, err := github.ReadToken(cfg.Source.GitHub.TokenFile)
		if err != nil {
			return nil, err
		}
		src := github.NewSource(cfg.Source.GitHub, token, cfg.Sync.Timeout, logger)
		opts.Headers = src.AuthHeaders()
		opts.HeaderHosts = src.AuthHosts()
		return src, nil

	case config.SourceGit:
		client := git.NewShellClient(cfg.Source.Git.SSHKeyFile, cfg.Source.Git.HTTPSTokenFile)
		logger.Debug("using git source", "auth", cfg.AuthMethod())
		return git.NewSource(client, cfg.Source.Git.URL, cfg.Source.Git.Ref, cfg.RepoDir(), cfg.Source.Git.Subdir, logger), nil

	case config.SourceFile:
		return manifest.NewFileSource(fs, cfg.Source.File.Path), nil

	default:
		return nil, fmt.Errorf("unknown source kind: %s", cfg.Source.Kind)
	}
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if envFile != "" {
		// existing variables take precedence over the file
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	configPath := cfgFile
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.Kind,
		"target_dir", cfg.Paths.TargetDir,
		"state_dir", cfg.Paths.StateDir,
		"verify", cfg.Sync.Verify)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
