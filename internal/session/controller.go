// Package session drives one repository run from clone analysis to a
// terminal status. The controller owns the attempt budget and the
// plan → validate → execute cycle; every collaborator is injected so the
// whole loop is testable with fakes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/runbox/internal/cache"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/planner"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/validator"
)

// DefaultMaxAttempts bounds plan generations per session, the first
// attempt included. Replanning past this bound ends the session Exhausted.
const DefaultMaxAttempts = 4

// Config wires a Controller. Generator, Validator, Runner, Policy, and
// Logger are required; Cache, Audit, and Metrics are optional.
type Config struct {
	Generator *planner.Generator
	Validator *validator.Validator
	Runner    *sandbox.Runner
	Policy    *policy.Store
	Cache     *cache.Cache
	Audit     *policy.AuditLogger
	Metrics   *observability.MetricsCollector
	Logger    *slog.Logger

	// ArtifactDirs are the shared output directories (bin, lib, include)
	// recorded on committed cache entries.
	ArtifactDirs []string

	MaxAttempts int  // 0 means DefaultMaxAttempts.
	NoCache     bool // Skip cache lookup and commit.
	NoInstall   bool // Drop install-intent operations from every plan.
}

// Controller is the retry state machine. A fresh Session aggregate is
// built per Run call; the controller itself holds no per-run state and is
// safe to reuse across repositories.
type Controller struct {
	generator    *planner.Generator
	validator    *validator.Validator
	runner       *sandbox.Runner
	policy       *policy.Store
	cache        *cache.Cache
	audit        *policy.AuditLogger
	metrics      *observability.MetricsCollector
	logger       *slog.Logger
	artifactDirs []string
	maxAttempts  int
	noCache      bool
	noInstall    bool
}

// NewController validates the wiring and returns a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Generator == nil || cfg.Validator == nil || cfg.Runner == nil || cfg.Policy == nil {
		return nil, fmt.Errorf("session controller requires generator, validator, runner, and policy store")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("session controller requires a logger")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsCollector()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		generator:    cfg.Generator,
		validator:    cfg.Validator,
		runner:       cfg.Runner,
		policy:       cfg.Policy,
		cache:        cfg.Cache,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		artifactDirs: cfg.ArtifactDirs,
		maxAttempts:  cfg.MaxAttempts,
		noCache:      cfg.NoCache,
		noInstall:    cfg.NoInstall,
	}, nil
}

// Run takes a cloned repository through the full cycle and always returns
// a Session with a terminal status. A cached plan that still validates is
// replayed before any planner call; a replay failure falls back into the
// normal planning loop with the full attempt budget.
func (c *Controller) Run(ctx context.Context, repository domain.Repository, analysis *repo.Analysis) *domain.Session {
	sess := &domain.Session{
		ID:         domain.NewID(),
		Repository: repository,
		StartedAt:  time.Now().UTC(),
	}
	defer c.finish(sess)

	c.logger.Info("session started",
		slog.String("session_id", sess.ID.String()),
		slog.String("repo", repository.Identity()),
		slog.Int("max_attempts", c.maxAttempts),
	)

	done, replayFailure := c.tryCached(ctx, sess)
	if done {
		return sess
	}

	// A failed cache replay seeds the first planning attempt with the
	// failure, the same way a failed fresh plan seeds the next one.
	var (
		priorFailure = replayFailure
		priorError   string
	)

	for attemptNo := 1; attemptNo <= c.maxAttempts; attemptNo++ {
		if ctx.Err() != nil {
			c.abort(sess, "canceled: "+ctx.Err().Error())
			return sess
		}

		attempt := domain.Attempt{Number: attemptNo}

		plan, err := c.propose(ctx, analysis, sess, attemptNo, priorFailure, priorError)
		if err != nil {
			if ctx.Err() != nil {
				c.abort(sess, "canceled: "+ctx.Err().Error())
				return sess
			}
			attempt.Err = err.Error()
			sess.Attempts = append(sess.Attempts, attempt)
			priorFailure, priorError = nil, err.Error()
			c.logger.Warn("attempt failed before execution",
				slog.Int("attempt", attemptNo),
				slog.String("error", err.Error()),
			)
			continue
		}
		attempt.Plan = plan

		validated, err := c.validate(ctx, sess, plan)
		if err != nil {
			attempt.Err = err.Error()
			sess.Attempts = append(sess.Attempts, attempt)
			c.abort(sess, err.Error())
			return sess
		}

		results, err := c.execute(ctx, validated)
		attempt.Results = results
		if err != nil {
			attempt.Err = err.Error()
			sess.Attempts = append(sess.Attempts, attempt)
			c.abort(sess, "execution aborted: "+err.Error())
			return sess
		}
		sess.Attempts = append(sess.Attempts, attempt)

		if planSucceeded(validated.Plan, results) {
			sess.Status = domain.StatusSucceeded
			c.commitCache(ctx, sess, validated.Plan)
			return sess
		}

		last := results[len(results)-1]
		priorFailure, priorError = &last, ""
		c.logger.Warn("plan failed, replanning",
			slog.Int("attempt", attemptNo),
			slog.String("classification", string(last.Classification)),
			slog.Int("exit_code", last.ExitCode),
		)
	}

	sess.Status = domain.StatusExhausted
	sess.Reason = fmt.Sprintf("attempt budget of %d spent: %s", c.maxAttempts, lastFailureReason(sess))
	return sess
}

// tryCached replays the newest cached plan for this repository. done is
// true only when the session reached a terminal status here; every other
// outcome (no entry, stale policy, rejected, replay failure) degrades to a
// miss, with the failing replay result handed back for planner context.
func (c *Controller) tryCached(ctx context.Context, sess *domain.Session) (done bool, replayFailure *domain.ExecutionResult) {
	if c.cache == nil || c.noCache {
		return false, nil
	}

	entry, err := c.cache.Latest(sess.Repository.Identity())
	if err != nil {
		c.logger.Warn("cache lookup failed", slog.String("error", err.Error()))
		return false, nil
	}
	if entry == nil {
		c.metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return false, nil
	}
	c.metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()

	plan := &domain.Plan{Operations: entry.Operations}
	if c.noInstall {
		plan = dropInstall(plan)
	}

	// A cached plan never bypasses policy: it is re-validated on every
	// replay, so a policy tightened since the commit invalidates the hit.
	if entry.PolicyRevision != c.policy.Revision() {
		c.logger.Info("policy revision changed since cache commit, re-validating",
			slog.String("cached_revision", short(entry.PolicyRevision)),
			slog.String("current_revision", short(c.policy.Revision())),
		)
	}
	validated, err := c.validator.Validate(plan)
	if err != nil {
		c.metrics.PolicyChecksTotal.WithLabelValues("denied").Inc()
		c.auditEvent(ctx, sess, policy.AuditEvent{
			Action: "evaluate",
			Result: "denied",
			Reason: "cached plan no longer allowed: " + err.Error(),
		})
		c.logger.Warn("cached plan rejected by current policy, treating as miss",
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	c.metrics.PolicyChecksTotal.WithLabelValues("allowed").Inc()

	results, err := c.execute(ctx, validated)
	attempt := domain.Attempt{Number: 0, Plan: validated.Plan, Results: results}
	if err != nil {
		attempt.Err = err.Error()
		sess.Attempts = append(sess.Attempts, attempt)
		c.abort(sess, "execution aborted: "+err.Error())
		return true, nil
	}
	sess.Attempts = append(sess.Attempts, attempt)

	if planSucceeded(validated.Plan, results) {
		sess.Status = domain.StatusSucceeded
		sess.CacheHit = true
		return true, nil
	}

	c.logger.Warn("cached plan no longer succeeds, replanning from scratch",
		slog.String("fingerprint", short(entry.Fingerprint)),
	)
	if len(results) > 0 {
		replayFailure = &results[len(results)-1]
	}
	return false, replayFailure
}

func (c *Controller) propose(ctx context.Context, analysis *repo.Analysis, sess *domain.Session, attemptNo int, priorFailure *domain.ExecutionResult, priorError string) (*domain.Plan, error) {
	pc := planner.Context{
		Repository:   sess.Repository,
		Attempt:      attemptNo,
		PriorFailure: priorFailure,
		PriorError:   priorError,
	}
	if analysis != nil {
		pc.Readme = analysis.Readme
		pc.Listing = analysis.Listing
		pc.Manifests = analysis.Manifests
	}

	started := time.Now()
	plan, err := c.generator.Propose(ctx, pc)
	c.metrics.PlannerRequestDuration.WithLabelValues(c.generator.ProviderName()).Observe(time.Since(started).Seconds())
	status := "ok"
	switch {
	case errors.Is(err, domain.ErrMalformedPlan):
		status = "malformed"
	case err != nil:
		status = "error"
	}
	c.metrics.PlannerRequestsTotal.WithLabelValues(c.generator.ProviderName(), status).Inc()
	if err != nil {
		return nil, err
	}

	if c.noInstall {
		plan = dropInstall(plan)
	}
	return plan, nil
}

func (c *Controller) validate(ctx context.Context, sess *domain.Session, plan *domain.Plan) (*validator.ValidatedPlan, error) {
	validated, err := c.validator.Validate(plan)
	if err != nil {
		c.metrics.PolicyChecksTotal.WithLabelValues("denied").Inc()
		c.auditEvent(ctx, sess, policy.AuditEvent{
			Action: "evaluate",
			Result: "denied",
			Reason: err.Error(),
		})
		return nil, err
	}
	c.metrics.PolicyChecksTotal.WithLabelValues("allowed").Inc()
	for i, op := range plan.Operations {
		c.auditEvent(ctx, sess, policy.AuditEvent{
			Action:  "evaluate",
			Command: op.Command,
			Rule:    validated.Rules[i].Name,
			Result:  "allowed",
		})
	}
	return validated, nil
}

func (c *Controller) execute(ctx context.Context, validated *validator.ValidatedPlan) ([]domain.ExecutionResult, error) {
	steps := make([]sandbox.Step, len(validated.Plan.Operations))
	for i, op := range validated.Plan.Operations {
		rule := validated.Rules[i]
		steps[i] = sandbox.Step{
			Operation: op,
			Limits: sandbox.Limits{
				Timeout:       rule.Timeout(),
				MaxMemoryMB:   rule.MaxMemoryMB,
				MaxCPUSeconds: rule.MaxCPUSeconds,
				AllowNetwork:  rule.Network,
			},
		}
	}

	results, err := c.runner.RunPlan(ctx, steps)
	for _, res := range results {
		c.metrics.SandboxExecutionsTotal.WithLabelValues(string(res.Operation.Intent), string(res.Classification)).Inc()
		c.metrics.SandboxExecutionDuration.WithLabelValues(string(res.Operation.Intent)).Observe(res.Duration.Seconds())
	}
	return results, err
}

func (c *Controller) commitCache(ctx context.Context, sess *domain.Session, plan *domain.Plan) {
	if c.cache == nil || c.noCache {
		return
	}
	identity := sess.Repository.Identity()
	entry := &cache.Entry{
		RepoIdentity:   identity,
		Fingerprint:    cache.Fingerprint(identity, plan.Operations),
		Operations:     plan.Operations,
		PolicyRevision: c.policy.Revision(),
		ArtifactPaths:  c.artifactDirs,
	}
	if err := c.cache.Commit(entry); err != nil {
		// A failed commit costs a future replay, never the current run.
		c.logger.Warn("cache commit failed", slog.String("error", err.Error()))
		return
	}
	c.auditEvent(ctx, sess, policy.AuditEvent{
		Action: "commit_cache",
		Result: "succeeded",
		Reason: short(entry.Fingerprint),
	})
}

func (c *Controller) abort(sess *domain.Session, reason string) {
	sess.Status = domain.StatusAborted
	sess.Reason = reason
}

func (c *Controller) finish(sess *domain.Session) {
	sess.FinishedAt = time.Now().UTC()
	c.metrics.SessionsTotal.WithLabelValues(string(sess.Status)).Inc()
	c.metrics.SessionAttempts.Observe(float64(len(sess.Attempts)))
	c.logger.Info("session finished",
		slog.String("session_id", sess.ID.String()),
		slog.String("status", string(sess.Status)),
		slog.Int("attempts", len(sess.Attempts)),
		slog.Duration("duration", sess.FinishedAt.Sub(sess.StartedAt)),
	)
}

func (c *Controller) auditEvent(ctx context.Context, sess *domain.Session, event policy.AuditEvent) {
	if c.audit == nil {
		return
	}
	event.SessionID = sess.ID.String()
	if err := c.audit.Log(ctx, event); err != nil {
		c.logger.Warn("audit write failed", slog.String("error", err.Error()))
	}
}

// planSucceeded reports whether every step of the plan ran and succeeded.
func planSucceeded(plan *domain.Plan, results []domain.ExecutionResult) bool {
	if len(results) != len(plan.Operations) {
		return false
	}
	for _, res := range results {
		if res.Failed() {
			return false
		}
	}
	return true
}

// dropInstall strips install-intent operations, keeping order.
func dropInstall(plan *domain.Plan) *domain.Plan {
	kept := make([]domain.Operation, 0, len(plan.Operations))
	for _, op := range plan.Operations {
		if op.Intent == domain.IntentInstall {
			continue
		}
		kept = append(kept, op)
	}
	return &domain.Plan{Attempt: plan.Attempt, Operations: kept}
}

func lastFailureReason(sess *domain.Session) string {
	for i := len(sess.Attempts) - 1; i >= 0; i-- {
		a := sess.Attempts[i]
		if a.Err != "" {
			return a.Err
		}
		if len(a.Results) > 0 {
			last := a.Results[len(a.Results)-1]
			if last.Failed() {
				return fmt.Sprintf("%v exited %d (%s)", last.Operation.Command, last.ExitCode, last.Classification)
			}
		}
	}
	return "no attempt produced a result"
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return strings.TrimSpace(s)
}
