package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/planner"
	"github.com/jkaninda/runbox/internal/planner/anthropic"
	"github.com/jkaninda/runbox/internal/planner/openai"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/workspace"
)

// Exit codes for the run command. Scripts branch on these, so the mapping
// is part of the CLI contract.
const (
	exitSucceeded = 0
	exitError     = 1
	exitExhausted = 2
	exitAborted   = 3
)

// loadConfig resolves the config file: explicit --config flag takes
// priority over the RUNBOX_CONFIG env var. A missing default config file
// is not an error — runbox runs on built-in defaults plus env vars.
func loadConfig(cmd *cobra.Command, flagPath string) (*config.Config, error) {
	path := flagPath
	if cmd != nil && !cmd.Flags().Changed("config") {
		path = goutils.Env("RUNBOX_CONFIG", flagPath)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	var (
		ws  *workspace.Workspace
		err error
	)
	if cfg.Workspace == "" {
		ws, err = workspace.Default()
	} else {
		ws, err = workspace.New(cfg.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, err
	}
	return ws, nil
}

// loadPolicy resolves the policy store: --policy flag, then the config
// file, then the workspace policy file, then the built-in default rules.
func loadPolicy(cfg *config.Config, ws *workspace.Workspace, flagPath string, logger *slog.Logger) (*policy.Store, error) {
	path := flagPath
	if path == "" {
		path = cfg.Policy
	}
	if path == "" {
		if _, err := os.Stat(ws.PolicyPath()); err == nil {
			path = ws.PolicyPath()
		}
	}
	if path == "" {
		logger.Info("no policy file configured, using built-in rules")
		return policy.Default(), nil
	}
	logger.Debug("loading policy", slog.String("path", path))
	return policy.Load(path)
}

// newPlannerProvider builds the configured provider, wrapped in a fallback
// chain when fallbacks are configured.
func newPlannerProvider(cfg *config.Config, logger *slog.Logger) (planner.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		providers := []planner.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return planner.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (planner.Provider, error) {
	switch name {
	case "anthropic", "":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
