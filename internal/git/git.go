package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides git operations for repository management
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	// and returns the checked out commit
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// ListBlobs lists the regular files directly inside subdir at HEAD
	ListBlobs(ctx context.Context, repoDir, subdir string) ([]Blob, error)
}

// Blob is a regular file tracked at HEAD
type Blob struct {
	Path string // relative to the repository root
	ID   string // git blob id
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	_, err := os.Stat(filepath.Join(destDir, ".git"))
	exists := err == nil

	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		cmd := exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--prune", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Direct checkout covers tags, hashes and local branches; fall back to
	// the remote tracking branch otherwise.
	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", ref)
	if err := runCommand(cmd); err != nil {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", "origin/"+ref)
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// A local branch is stale after fetch; move it to the remote tip.
	// Fails harmlessly for tags and hashes.
	if exists {
		_ = runCommand(exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref))
	}

	output, err := exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// ListBlobs runs git ls-tree on subdir and keeps regular files
func (c *ShellClient) ListBlobs(ctx context.Context, repoDir, subdir string) ([]Blob, error) {
	args := []string{"-C", repoDir, "ls-tree", "-z", "HEAD"}
	if subdir = strings.Trim(filepath.ToSlash(subdir), "/"); subdir != "" {
		args = append(args, "--", subdir+"/")
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseLsTree(output)
}

// parseLsTree parses NUL separated "<mode> <type> <id>\t<path>" records
func parseLsTree(output []byte) ([]Blob, error) {
	var blobs []Blob
	for _, record := range bytes.Split(output, []byte{0}) {
		if len(record) == 0 {
			continue
		}
		meta, path, ok := strings.Cut(string(record), "\t")
		if !ok {
			return nil, fmt.Errorf("malformed ls-tree record %q", record)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ls-tree record %q", record)
		}
		mode, kind, id := fields[0], fields[1], fields[2]
		// skip trees, submodules and symlinks
		if kind != "blob" || (mode != "100644" && mode != "100755") {
			continue
		}
		blobs = append(blobs, Blob{Path: path, ID: id})
	}
	return blobs, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The key path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and is read by an inline
		// credential helper, never through the command line.
		cmd.Env = append(cmd.Env,
			"GIT_TERMINAL_PROMPT=0",
			"PACKSYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)),
		)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$PACKSYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
