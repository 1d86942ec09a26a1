package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

const (
	// maxReadmeBytes bounds the README excerpt sent to the planner.
	maxReadmeBytes = 8 << 10 // 8 KB

	// maxFailureBytes bounds the prior-failure output folded into the prompt.
	maxFailureBytes = 4 << 10 // 4 KB

	defaultMaxTokens = 2048

	truncationMarker = "\n[truncated]"
)

const systemPrompt = `You plan how to install, build, and run an arbitrary code repository.
Respond with ONLY a JSON array of steps, no prose and no markdown fences.
Each step is an object: {"command": ["program", "arg", ...], "dir": "relative/path", "intent": "install"|"build"|"run"|"fix"}.
The command is an argv array — never a shell string, never pipes or redirects.
"dir" is relative to the repository root; omit it or use "" for the root.
Keep the plan minimal: install dependencies, build if needed, then run.`

// Context is everything the generator knows about the repository when
// proposing a plan. PriorFailure carries the failing operation and its
// captured output from the previous attempt, nil on the first attempt.
type Context struct {
	Repository   domain.Repository
	Readme       string
	Listing      []string // Top-level directory entries.
	Manifests    []string // Detected dependency manifests (package.json, go.mod, ...).
	Attempt      int
	PriorFailure *domain.ExecutionResult
	PriorError   string // Non-execution failure from the previous attempt (e.g. malformed plan).
}

// Generator is the Plan Generator: one Propose call per attempt, no internal
// retries — malformed output is the caller's problem to budget for.
type Generator struct {
	provider Provider
	logger   *slog.Logger
}

// NewGenerator creates a Generator backed by the given provider.
func NewGenerator(provider Provider, logger *slog.Logger) *Generator {
	return &Generator{provider: provider, logger: logger}
}

// ProviderName reports the backing provider's name, for logs and metrics.
func (g *Generator) ProviderName() string {
	return g.provider.Name()
}

// Propose asks the backend for a plan and parses it into the typed model.
// Any response that cannot be parsed is domain.ErrMalformedPlan.
func (g *Generator) Propose(ctx context.Context, pc Context) (*domain.Plan, error) {
	req := &Request{
		SystemPrompt: systemPrompt,
		Prompt:       buildPrompt(pc),
		MaxTokens:    defaultMaxTokens,
	}

	resp, err := g.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("planner request: %w", err)
	}

	ops, err := ParseOperations(resp.Content)
	if err != nil {
		g.logger.WarnContext(ctx, "planner returned unusable output",
			slog.String("provider", g.provider.Name()),
			slog.Int("attempt", pc.Attempt),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	g.logger.InfoContext(ctx, "plan proposed",
		slog.String("provider", g.provider.Name()),
		slog.Int("attempt", pc.Attempt),
		slog.Int("operations", len(ops)),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return &domain.Plan{Attempt: pc.Attempt, Operations: ops}, nil
}

// buildPrompt renders the repository context, and on retries the prior
// failure, into the user prompt.
func buildPrompt(pc Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Repository: %s", pc.Repository.Origin)
	if pc.Repository.Commit != "" {
		fmt.Fprintf(&b, " (commit %s)", pc.Repository.Commit)
	}
	b.WriteString("\n")

	if len(pc.Manifests) > 0 {
		fmt.Fprintf(&b, "Detected manifests: %s\n", strings.Join(pc.Manifests, ", "))
	}
	if len(pc.Listing) > 0 {
		fmt.Fprintf(&b, "Top-level files: %s\n", strings.Join(pc.Listing, ", "))
	}

	if pc.Readme != "" {
		b.WriteString("\nREADME:\n")
		b.WriteString(truncate(pc.Readme, maxReadmeBytes))
		b.WriteString("\n")
	}

	if pc.PriorFailure != nil {
		f := pc.PriorFailure
		fmt.Fprintf(&b, "\nAttempt %d failed. The step %v (intent %s) ended as %s with exit code %d.\n",
			pc.Attempt-1, f.Operation.Command, f.Operation.Intent, f.Classification, f.ExitCode)
		if f.Stderr != "" {
			b.WriteString("stderr:\n")
			b.WriteString(truncate(f.Stderr, maxFailureBytes))
			b.WriteString("\n")
		}
		if f.Stdout != "" {
			b.WriteString("stdout:\n")
			b.WriteString(truncate(f.Stdout, maxFailureBytes))
			b.WriteString("\n")
		}
		b.WriteString("Propose a corrected plan that avoids this failure.\n")
	} else if pc.PriorError != "" {
		fmt.Fprintf(&b, "\nAttempt %d failed before execution: %s\n", pc.Attempt-1, pc.PriorError)
		b.WriteString("Respond with valid JSON exactly as instructed.\n")
	}

	return b.String()
}

// truncate caps s at n bytes, appending a marker when anything was cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + truncationMarker
}
