// Package repo clones a repository and extracts the context the planner
// needs: README text, a bounded directory listing, and detected dependency
// manifests. Cloning is a thin wrapper over git with credentials stripped —
// the interesting policy questions start after the clone exists.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/runbox/internal/domain"
)

const cloneTimeout = 2 * time.Minute

// Credential-related env vars that must NEVER reach the git child process.
var stripEnvVars = []string{
	"GIT_ASKPASS",
	"GIT_CONFIG",
	"GIT_CONFIG_GLOBAL",
	"GIT_CONFIG_SYSTEM",
	"GIT_CREDENTIAL_HELPER",
	"SSH_AUTH_SOCK",
	"SSH_AGENT_PID",
	"GIT_SSH",
	"GIT_SSH_COMMAND",
}

// Cloner materializes repositories into session-scoped clone directories.
type Cloner struct {
	logger *slog.Logger
}

// NewCloner creates a Cloner.
func NewCloner(logger *slog.Logger) *Cloner {
	return &Cloner{logger: logger}
}

// Clone fetches locator into dir and returns the resolved Repository.
// A locator that is an existing local directory is used in place without
// copying; everything else goes through git clone --depth 1.
func (c *Cloner) Clone(ctx context.Context, locator, dir string) (domain.Repository, error) {
	if info, err := os.Stat(locator); err == nil && info.IsDir() {
		abs, err := filepath.Abs(locator)
		if err != nil {
			return domain.Repository{}, fmt.Errorf("resolving local repository path: %w", err)
		}
		return domain.Repository{
			Origin:   abs,
			Commit:   c.headCommit(ctx, abs),
			CloneDir: abs,
		}, nil
	}

	url := normalizeLocator(locator)

	// Reuse an existing clone of the same origin; the commit is re-resolved
	// so the identity stays honest.
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		c.logger.Info("reusing existing clone", slog.String("dir", dir))
		return domain.Repository{
			Origin:   url,
			Commit:   c.headCommit(ctx, dir),
			CloneDir: dir,
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, dir)
	cmd.Env = sanitizedEnv()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	c.logger.Info("cloning repository", slog.String("url", url), slog.String("dir", dir))
	if err := cmd.Run(); err != nil {
		return domain.Repository{}, fmt.Errorf("cloning %s: %w: %s", url, err, strings.TrimSpace(out.String()))
	}

	return domain.Repository{
		Origin:   url,
		Commit:   c.headCommit(ctx, dir),
		CloneDir: dir,
	}, nil
}

// headCommit resolves HEAD in dir; best-effort, empty on failure.
func (c *Cloner) headCommit(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--short", "HEAD")
	cmd.Env = sanitizedEnv()
	out, err := cmd.Output()
	if err != nil {
		c.logger.Debug("could not resolve HEAD", slog.String("dir", dir), slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(string(out))
}

// normalizeLocator expands the org/repo shorthand to a GitHub URL.
func normalizeLocator(locator string) string {
	if strings.Contains(locator, "://") || strings.HasPrefix(locator, "git@") {
		return locator
	}
	if parts := strings.Split(locator, "/"); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return "https://github.com/" + locator + ".git"
	}
	return locator
}

// sanitizedEnv keeps the parent environment minus credential helpers, and
// disables interactive prompts so a private repo fails fast instead of
// hanging on a password prompt.
func sanitizedEnv() []string {
	strip := make(map[string]bool, len(stripEnvVars))
	for _, k := range stripEnvVars {
		strip[k] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strip[name] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "GIT_TERMINAL_PROMPT=0")
}
