// Package sandbox provides the isolated execution environment for plan
// operations. All commands a plan proposes run through a sandbox — never
// directly on the host.
package sandbox

import (
	"context"
	"time"

	"github.com/jkaninda/runbox/internal/domain"
)

// Executor runs a single validated operation under explicit limits.
type Executor interface {
	Run(ctx context.Context, op domain.Operation, limits Limits) (*domain.ExecutionResult, error)
}

// Limits constrains one sandboxed operation. They come from the policy rule
// the operation was validated against; the executor enforces them itself
// rather than trusting the child to self-limit.
type Limits struct {
	Timeout       time.Duration // Wall-clock bound, enforced by process-group kill.
	MaxMemoryMB   int           // Virtual memory limit (ulimit -v).
	MaxCPUSeconds int           // CPU time limit (ulimit -t).
	AllowNetwork  bool          // False strips proxy/network hints from the environment.
}

// Step pairs an operation with the limits it was validated under.
type Step struct {
	Operation domain.Operation
	Limits    Limits
}
