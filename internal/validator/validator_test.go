package validator

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	store, err := policy.New([]policy.Rule{
		{Name: "build", Executables: []string{"make", "npm", "pip"}, TimeoutSeconds: 60, MaxMemoryMB: 512, MaxCPUSeconds: 60},
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(store, discardLogger())
}

func TestValidateAllowedPlan(t *testing.T) {
	v := newTestValidator(t)

	plan := &domain.Plan{Attempt: 1, Operations: []domain.Operation{
		{Command: []string{"pip", "install", "-r", "requirements.txt"}, Intent: domain.IntentInstall},
		{Command: []string{"make"}, Intent: domain.IntentBuild},
	}}

	vp, err := v.Validate(plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vp.Rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(vp.Rules))
	}
	for i, r := range vp.Rules {
		if r == nil || r.Name != "build" {
			t.Errorf("rule %d = %+v, want build", i, r)
		}
	}
}

func TestValidateRejectsWholePlan(t *testing.T) {
	v := newTestValidator(t)

	// The denied operation is buried after benign ones.
	plan := &domain.Plan{Attempt: 1, Operations: []domain.Operation{
		{Command: []string{"npm", "install"}, Intent: domain.IntentInstall},
		{Command: []string{"curl", "http://x"}, Intent: domain.IntentInstall},
	}}

	vp, err := v.Validate(plan)
	if vp != nil {
		t.Fatal("rejected plan returned a validated plan")
	}
	if !errors.Is(err, domain.ErrPolicyRejected) {
		t.Fatalf("error = %v, want ErrPolicyRejected", err)
	}
	if !strings.Contains(err.Error(), "curl") {
		t.Errorf("rejection %q does not cite the denied executable", err)
	}
}

func TestValidateCollectsAllReasons(t *testing.T) {
	v := newTestValidator(t)

	plan := &domain.Plan{Attempt: 1, Operations: []domain.Operation{
		{Command: []string{"curl", "http://x"}, Intent: domain.IntentInstall},
		{Command: []string{"wget", "http://y"}, Intent: domain.IntentInstall},
	}}

	_, err := v.Validate(plan)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %T, want *RejectionError", err)
	}
	if len(rej.Reasons) != 2 {
		t.Errorf("got %d reasons, want 2 (all rejections collected)", len(rej.Reasons))
	}
}
