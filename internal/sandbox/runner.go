package sandbox

import (
	"context"
	"log/slog"

	"github.com/jkaninda/runbox/internal/domain"
)

// Runner executes a validated plan's steps sequentially and in declared
// order, stopping at the first non-success. Later steps typically depend on
// earlier ones having succeeded, so nothing after a failure is attempted.
type Runner struct {
	executor Executor
	logger   *slog.Logger
}

// NewRunner creates a Runner over the given executor.
func NewRunner(executor Executor, logger *slog.Logger) *Runner {
	return &Runner{executor: executor, logger: logger}
}

// RunPlan executes steps in order. It returns every result produced,
// including the failing one; when the returned results are fewer than the
// steps, the last result is the failure that stopped the plan. The error
// return is reserved for infrastructure failures and cancellation.
func (r *Runner) RunPlan(ctx context.Context, steps []Step) ([]domain.ExecutionResult, error) {
	results := make([]domain.ExecutionResult, 0, len(steps))

	for i, step := range steps {
		res, err := r.executor.Run(ctx, step.Operation, step.Limits)
		if err != nil {
			return results, err
		}
		results = append(results, *res)

		if res.Failed() {
			r.logger.Warn("plan stopped at failing operation",
				slog.Int("step", i),
				slog.Int("total", len(steps)),
				slog.String("classification", string(res.Classification)),
				slog.Any("command", step.Operation.Command),
			)
			return results, nil
		}
	}

	return results, nil
}
