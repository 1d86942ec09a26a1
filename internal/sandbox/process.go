package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jkaninda/runbox/internal/domain"
)

const (
	// maxOutputBytes caps stdout/stderr to keep failure context bounded.
	// Truncation is always marked, never silent — classification depends
	// on the tail of the output being recognizable as cut.
	maxOutputBytes = 1 << 20 // 1 MB

	// TruncationMarker terminates any capped stream.
	TruncationMarker = "\n[output truncated]"

	defaultTimeout    = 5 * time.Minute
	defaultCPUSeconds = 300
	defaultMemoryMB   = 2048
)

// ProcessConfig configures the process-based executor.
type ProcessConfig struct {
	// Root is the repository clone directory. Every operation's working
	// directory must resolve inside it.
	Root string

	// BinDir/LibDir/IncludeDir are the shared output directories exported
	// to the child environment (PATH, LIBRARY_PATH, CPATH).
	BinDir     string
	LibDir     string
	IncludeDir string

	DefaultLimits Limits
}

// ProcessExecutor runs operations as isolated OS processes.
//
// Guarantees:
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel — no orphans
//   - No environment inheritance from the parent — only a minimal safe set
//   - Resource limits enforced via ulimit
//   - Working directory confined to the configured root
//   - stdout/stderr capped with an explicit truncation marker
type ProcessExecutor struct {
	root          string
	binDir        string
	libDir        string
	includeDir    string
	defaultLimits Limits
	logger        *slog.Logger
}

// NewProcessExecutor creates a process-based executor scoped to cfg.Root.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) (*ProcessExecutor, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("executor root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving executor root: %w", err)
	}

	limits := cfg.DefaultLimits
	if limits.Timeout == 0 {
		limits.Timeout = defaultTimeout
	}
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}

	return &ProcessExecutor{
		root:          root,
		binDir:        cfg.BinDir,
		libDir:        cfg.LibDir,
		includeDir:    cfg.IncludeDir,
		defaultLimits: limits,
		logger:        logger,
	}, nil
}

// Run executes one operation. A nonzero exit and a timeout are results, not
// errors — the error return is reserved for infrastructure failures and
// caller cancellation, which abort the session instead of feeding replanning.
func (e *ProcessExecutor) Run(parent context.Context, op domain.Operation, limits Limits) (*domain.ExecutionResult, error) {
	if len(op.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	limits = e.resolveLimits(limits)

	workDir, err := e.resolveWorkDir(op.WorkingDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, limits.Timeout)
	defer cancel()

	// The command is wrapped:
	//   sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ cmd args...
	// Using exec "$@" with positional parameters prevents shell injection —
	// the operation's argv is never interpolated into the shell string.
	memKB := limits.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(op.Command))
	args = append(args, "-c", shellScript, "_") // "_" is the $0 placeholder
	args = append(args, op.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = workDir

	// Process group isolation — the child runs in its own group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// Kill the entire process group on context cancellation (timeout/abort).
	// This ensures processes spawned by the command are also terminated.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = e.buildEnv(workDir, op.Env, limits.AllowNetwork)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Info("sandbox executing",
		slog.Any("command", op.Command),
		slog.String("intent", string(op.Intent)),
		slog.String("dir", workDir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", limits.Timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &domain.ExecutionResult{
		Operation:       op,
		Classification:  domain.ClassSucceeded,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Duration:        duration,
	}

	if runErr != nil {
		// Caller cancellation outranks everything: the session is aborting,
		// not observing an operation outcome.
		if parent.Err() != nil {
			return nil, fmt.Errorf("execution canceled: %w", parent.Err())
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("sandbox execution timed out",
				slog.Any("command", op.Command),
				slog.Duration("timeout", limits.Timeout),
			)
			result.Classification = domain.ClassTimedOut
			result.ExitCode = -1
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Classification = domain.ClassRuntimeFailed
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	e.logger.Info("sandbox execution completed",
		slog.String("classification", string(result.Classification)),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(result.Stdout)),
		slog.Int("stderr_bytes", len(result.Stderr)),
	)

	return result, nil
}

// resolveLimits merges the rule-supplied limits with executor defaults.
func (e *ProcessExecutor) resolveLimits(l Limits) Limits {
	out := e.defaultLimits
	if l.Timeout > 0 {
		out.Timeout = l.Timeout
	}
	if l.MaxCPUSeconds > 0 {
		out.MaxCPUSeconds = l.MaxCPUSeconds
	}
	if l.MaxMemoryMB > 0 {
		out.MaxMemoryMB = l.MaxMemoryMB
	}
	out.AllowNetwork = l.AllowNetwork
	return out
}

// resolveWorkDir joins the operation's directory onto the root and verifies
// containment. The scope is enforced here, not merely advised.
func (e *ProcessExecutor) resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		return e.root, nil
	}
	joined := filepath.Clean(filepath.Join(e.root, dir))
	if joined != e.root && !strings.HasPrefix(joined, e.root+string(filepath.Separator)) {
		return "", fmt.Errorf("working directory %q escapes sandbox root %q", dir, e.root)
	}
	return joined, nil
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is NEVER inherited — API keys and credentials must not leak
// into commands proposed by an untrusted planner.
func (e *ProcessExecutor) buildEnv(workDir string, extra map[string]string, allowNetwork bool) []string {
	path := "/usr/local/bin:/usr/bin:/bin"
	if e.binDir != "" {
		path = e.binDir + ":" + path
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	if e.libDir != "" {
		env = append(env,
			"LIBRARY_PATH="+e.libDir,
			"LD_LIBRARY_PATH="+e.libDir,
		)
	}
	if e.includeDir != "" {
		env = append(env, "CPATH="+e.includeDir)
	}
	if !allowNetwork {
		// Best-effort denial for well-behaved tooling: point proxies at a
		// black hole. Real enforcement beyond this needs namespaces.
		env = append(env,
			"http_proxy=http://127.0.0.1:1",
			"https_proxy=http://127.0.0.1:1",
			"no_proxy=",
		)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a buffer and stops writing after a byte limit,
// remembering that it did so.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		lw.truncated = true
		return total, nil // Discard, but remember.
	}
	if len(p) > lw.remaining {
		lw.truncated = true
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Report the full length so the copier never sees a short write.
	return total, nil
}

// String returns the captured output with the truncation marker appended
// when anything was cut.
func (lw *limitedWriter) String() string {
	if lw.truncated {
		return lw.w.String() + TruncationMarker
	}
	return lw.w.String()
}
