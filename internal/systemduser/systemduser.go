package systemduser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/ledger"
)

// Systemd provides operations for interacting with systemd user units
type Systemd interface {
	// TryRestartUnits attempts to restart the specified units
	TryRestartUnits(ctx context.Context, units []string) error
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct {
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewClient creates a new systemd client
func NewClient() *Client {
	return &Client{command: exec.CommandContext}
}

// TryRestartUnits attempts to restart the specified units.
// try-restart leaves units alone that are not running.
func (c *Client) TryRestartUnits(ctx context.Context, units []string) error {
	if len(units) == 0 {
		return nil
	}

	args := append([]string{"--user", "try-restart"}, units...)
	output, err := c.command(ctx, "systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl try-restart failed: %w: %s", err, string(output))
	}
	return nil
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	err := c.command(ctx, "systemctl", "--user", "status").Run()
	if err != nil {
		// exit codes 1-3 are reported for degraded sessions, which still work
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() <= 3 {
			return true, nil
		}
		return false, fmt.Errorf("systemctl --user not available: %w", err)
	}
	return true, nil
}

// Restarter restarts the configured units after a run that changed files
type Restarter struct {
	systemd Systemd
	policy  config.RestartPolicy
	units   []string
	logger  *slog.Logger
}

// NewRestarter creates a restarter for the given sync settings
func NewRestarter(systemd Systemd, cfg config.SyncConfig, logger *slog.Logger) *Restarter {
	return &Restarter{
		systemd: systemd,
		policy:  cfg.Restart,
		units:   cfg.RestartUnits,
		logger:  logger,
	}
}

// AfterRun applies the restart policy to the outcome of a run
func (r *Restarter) AfterRun(ctx context.Context, led *ledger.Ledger) error {
	switch r.policy {
	case config.RestartNone, "":
		return nil
	case config.RestartChanged:
	default:
		return fmt.Errorf("unknown restart policy: %s", r.policy)
	}

	if !led.AnyChange() {
		r.logger.Debug("no changes, skipping restart")
		return nil
	}

	available, err := r.systemd.IsAvailable(ctx)
	if err != nil || !available {
		return fmt.Errorf("systemd user session not available: %w", err)
	}

	r.logger.Info("restarting units", "units", r.units)
	if err := r.systemd.TryRestartUnits(ctx, r.units); err != nil {
		return fmt.Errorf("failed to restart units: %w", err)
	}
	return nil
}
