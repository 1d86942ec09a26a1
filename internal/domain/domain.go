// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Repository identifies one cloned repository for a session.
// Immutable once the clone has resolved; owned exclusively by its Session.
type Repository struct {
	Origin   string // Origin URL or local path as given by the user.
	Commit   string // Resolved commit hash (short form acceptable).
	Ref      string // Branch or tag the clone tracked. Empty = default branch.
	CloneDir string // Local working directory of the clone.
}

// Identity returns the stable identity string used for cache keying.
// The clone directory is deliberately excluded — the same repo cloned
// into a different session directory is still the same repository.
func (r Repository) Identity() string {
	return r.Origin + "@" + r.Commit
}

// Intent classifies what an Operation is for.
type Intent string

const (
	IntentInstall Intent = "install"
	IntentBuild   Intent = "build"
	IntentRun     Intent = "run"
	IntentFix     Intent = "fix"
)

// ValidIntent reports whether s names a known intent.
func ValidIntent(s string) bool {
	switch Intent(s) {
	case IntentInstall, IntentBuild, IntentRun, IntentFix:
		return true
	default:
		return false
	}
}

// Operation is one atomic unit of work proposed by the planner.
// Immutable once created.
type Operation struct {
	Command    []string          // Program and arguments (argv form, never a shell string).
	WorkingDir string            // Relative to the repository clone. Empty = clone root.
	Env        map[string]string // Extra environment variables, merged over the sandbox base set.
	Intent     Intent
}

// Plan is an ordered sequence of Operations for one attempt.
// A failed Plan is discarded whole; replanning produces a fresh Plan.
type Plan struct {
	Attempt    int // 1-based attempt number within the session.
	Operations []Operation
}

// Classification is the per-Operation outcome category.
type Classification string

const (
	ClassSucceeded      Classification = "succeeded"
	ClassPolicyRejected Classification = "policy_rejected"
	ClassRuntimeFailed  Classification = "runtime_failed"
	ClassTimedOut       Classification = "timed_out"
)

// ExecutionResult records the outcome of one executed Operation.
// Append-only; belongs to the Plan attempt that produced it.
type ExecutionResult struct {
	Operation       Operation
	Classification  Classification
	ExitCode        int
	Stdout          string // Capped; see StdoutTruncated.
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
}

// Failed reports whether the result is anything other than a success.
func (r ExecutionResult) Failed() bool {
	return r.Classification != ClassSucceeded
}

// Err maps the result's classification onto the error taxonomy, nil for a
// success. Callers branch with errors.Is rather than string-matching.
func (r ExecutionResult) Err() error {
	switch r.Classification {
	case ClassPolicyRejected:
		return ErrPolicyRejected
	case ClassRuntimeFailed:
		return ErrRuntimeFailed
	case ClassTimedOut:
		return ErrTimedOut
	default:
		return nil
	}
}

// Status is a Session's terminal outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded" // A Plan executed fully.
	StatusExhausted Status = "exhausted" // Attempt budget spent without success.
	StatusAborted   Status = "aborted"   // Policy rejection or cancellation.
)

// Session is the top-level aggregate: one repository run to a terminal status.
// The attempt counter lives here, never in package-level state, so independent
// sessions can run concurrently without interference.
type Session struct {
	ID         uuid.UUID
	Repository Repository
	Attempts   []Attempt
	Status     Status
	Reason     string // Human-readable terminal reason (policy rule, last error).
	CacheHit   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Attempt is one plan/validate/execute cycle within a Session.
type Attempt struct {
	Number  int
	Plan    *Plan             // nil when plan generation itself failed.
	Results []ExecutionResult // Empty when the plan never executed.
	Err     string            // Error that ended the attempt, empty on success.
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
