// Package validator checks a generated plan against the policy store before
// any operation runs. Validation is all-or-nothing: one rejected operation
// rejects the whole plan, so a dangerous command cannot hide behind benign
// earlier steps. The check is pure and re-runnable.
package validator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/policy"
)

// ValidatedPlan pairs the plan with the policy rule matched per operation.
// The sandbox takes its resource limits from these rules, so an operation
// can never execute under limits other than the ones it was validated with.
type ValidatedPlan struct {
	Plan  *domain.Plan
	Rules []*policy.Rule // Parallel to Plan.Operations.
}

// RejectionError carries every rejection reason, one per offending operation.
type RejectionError struct {
	Reasons []string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("plan rejected: %s", strings.Join(e.Reasons, "; "))
}

// Unwrap makes errors.Is(err, domain.ErrPolicyRejected) work.
func (e *RejectionError) Unwrap() error { return domain.ErrPolicyRejected }

// Validator applies the policy store to whole plans.
type Validator struct {
	store  *policy.Store
	logger *slog.Logger
}

// New creates a Validator over the given store.
func New(store *policy.Store, logger *slog.Logger) *Validator {
	return &Validator{store: store, logger: logger}
}

// Validate evaluates every operation in order. All operations are checked
// even after the first rejection, so the user sees the complete list of
// reasons rather than fixing them one at a time.
func (v *Validator) Validate(plan *domain.Plan) (*ValidatedPlan, error) {
	rules := make([]*policy.Rule, len(plan.Operations))
	var reasons []string

	for i, op := range plan.Operations {
		verdict := v.store.Evaluate(op)
		if !verdict.Allowed {
			reasons = append(reasons, fmt.Sprintf("operation %d %v: %s", i, op.Command, verdict.Reason))
			continue
		}
		rules[i] = verdict.Rule
	}

	if len(reasons) > 0 {
		v.logger.Warn("plan rejected by policy",
			slog.Int("attempt", plan.Attempt),
			slog.Int("operations", len(plan.Operations)),
			slog.Int("rejections", len(reasons)),
		)
		return nil, &RejectionError{Reasons: reasons}
	}

	return &ValidatedPlan{Plan: plan, Rules: rules}, nil
}
