package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/cache"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/history"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/planner"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/session"
	"github.com/jkaninda/runbox/internal/validator"
)

var (
	runConfigPath  string
	runPolicyPath  string
	runVerbose     bool
	runNoInstall   bool
	runNoCache     bool
	runMaxAttempts int
	runTimeout     time.Duration
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run <repository>",
	Short: "Clone a repository, plan how to run it, and execute the plan in a sandbox",
	Long: `Run clones the given repository (URL, org/repo shorthand, or local path),
asks the configured planner for install/build/run commands, validates them
against policy, and executes them in a sandbox. Exit codes: 0 the plan
succeeded, 2 the attempt budget was exhausted, 3 the session was aborted
(policy rejection or cancellation), 1 everything else.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runPolicyPath, "policy", "", "path to policy file (overrides config)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
	runCmd.Flags().BoolVar(&runNoInstall, "no-install", false, "skip install-intent operations")
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "skip artifact cache lookup and commit")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 0, "total plan attempts (default 4)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall session timeout (0 = none)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := runSession(cmd, args[0])
	if err != nil {
		return err
	}
	if code != exitSucceeded {
		os.Exit(code)
	}
	return nil
}

// runSession wires every subsystem and drives one session. All cleanup is
// deferred here so the distinct exit code can be raised by the caller
// after the defers have run.
func runSession(cmd *cobra.Command, locator string) (int, error) {
	cfg, err := loadConfig(cmd, runConfigPath)
	if err != nil {
		return exitError, err
	}
	if runVerbose {
		cfg.Log.Level = "debug"
	}
	if runMaxAttempts > 0 {
		cfg.Session.MaxAttempts = runMaxAttempts
	}
	if runNoCache {
		cfg.Session.NoCache = true
	}
	if runNoInstall {
		cfg.Session.NoInstall = true
	}
	logger := newLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return exitError, err
	}

	ws, err := initWorkspace(cfg)
	if err != nil {
		return exitError, fmt.Errorf("initializing workspace: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	store, err := loadPolicy(cfg, ws, runPolicyPath, logger)
	if err != nil {
		return exitError, fmt.Errorf("loading policy: %w", err)
	}

	audit, err := policy.NewAuditLogger(ws.AuditLogPath(), logger)
	if err != nil {
		logger.Warn("audit log unavailable", slog.String("error", err.Error()))
		audit = nil
	} else {
		defer audit.Close()
	}

	metrics := observability.NewMetricsCollector()
	serveMetrics(cfg, metrics, logger)

	provider, err := newPlannerProvider(cfg, logger)
	if err != nil {
		return exitError, fmt.Errorf("initializing planner provider: %w", err)
	}
	generator := planner.NewGenerator(provider, logger)

	cloner := repo.NewCloner(logger)
	repository, err := cloner.Clone(ctx, locator, ws.RepoDir(locator))
	if err != nil {
		return exitError, fmt.Errorf("cloning %s: %w", locator, err)
	}
	analysis, err := repo.Analyze(repository.CloneDir)
	if err != nil {
		return exitError, fmt.Errorf("analyzing %s: %w", repository.CloneDir, err)
	}

	executor, err := sandbox.NewProcessExecutor(sandbox.ProcessConfig{
		Root:       repository.CloneDir,
		BinDir:     ws.BinDir(),
		LibDir:     ws.LibDir(),
		IncludeDir: ws.IncludeDir(),
		DefaultLimits: sandbox.Limits{
			Timeout:       time.Duration(cfg.Sandbox.MaxExecutionSeconds) * time.Second,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			AllowNetwork:  cfg.Sandbox.NetworkAllowed,
		},
	}, logger)
	if err != nil {
		return exitError, fmt.Errorf("initializing sandbox: %w", err)
	}

	ctrl, err := session.NewController(session.Config{
		Generator:    generator,
		Validator:    validator.New(store, logger),
		Runner:       sandbox.NewRunner(executor, logger),
		Policy:       store,
		Cache:        cache.New(ws.CacheDir(), logger),
		Audit:        audit,
		Metrics:      metrics,
		Logger:       logger,
		ArtifactDirs: []string{ws.BinDir(), ws.LibDir(), ws.IncludeDir()},
		MaxAttempts:  cfg.Session.MaxAttempts,
		NoCache:      cfg.Session.NoCache,
		NoInstall:    cfg.Session.NoInstall,
	})
	if err != nil {
		return exitError, err
	}

	sess := ctrl.Run(ctx, repository, analysis)

	recordHistory(ws.HistoryDBPath(), sess, logger)
	printSummary(sess)

	switch sess.Status {
	case domain.StatusSucceeded:
		return exitSucceeded, nil
	case domain.StatusExhausted:
		return exitExhausted, nil
	default:
		return exitAborted, nil
	}
}

// serveMetrics starts the exposition endpoint when enabled by flag or
// config. The server is best-effort: a bind failure logs and moves on.
func serveMetrics(cfg *config.Config, m *observability.MetricsCollector, logger *slog.Logger) {
	addr, path := runMetricsAddr, "/metrics"
	if addr == "" && cfg.Metrics != nil && cfg.Metrics.Enabled {
		addr, path = cfg.Metrics.Addr, cfg.Metrics.Path
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr), slog.String("path", path))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}

// recordHistory persists the finished session. History is advisory: any
// failure here is logged and never changes the session outcome.
func recordHistory(dbPath string, sess *domain.Session, logger *slog.Logger) {
	hs, err := history.Open(dbPath, logger)
	if err != nil {
		logger.Warn("history store unavailable", slog.String("error", err.Error()))
		return
	}
	defer hs.Close()
	if err := hs.Record(context.Background(), sess); err != nil {
		logger.Warn("recording session history failed", slog.String("error", err.Error()))
	}
}

func printSummary(sess *domain.Session) {
	fmt.Printf("session %s: %s\n", sess.ID, sess.Status)
	if sess.Reason != "" {
		fmt.Printf("  reason: %s\n", sess.Reason)
	}
	if sess.CacheHit {
		fmt.Println("  cache: hit (planner skipped)")
	}
	for _, attempt := range sess.Attempts {
		label := fmt.Sprintf("attempt %d", attempt.Number)
		if attempt.Number == 0 {
			label = "cached plan"
		}
		if attempt.Err != "" {
			fmt.Printf("  %s: %s\n", label, attempt.Err)
			continue
		}
		for _, res := range attempt.Results {
			fmt.Printf("  %s: %v [%s] exit=%d (%s)\n",
				label, res.Operation.Command, res.Operation.Intent, res.ExitCode, res.Classification)
		}
	}
	fmt.Printf("  duration: %s\n", sess.FinishedAt.Sub(sess.StartedAt).Round(time.Millisecond))
}
