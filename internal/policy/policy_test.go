package policy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/runbox/internal/domain"
)

func testRules() []Rule {
	return []Rule{
		{
			Name:               "build-tools",
			Executables:        []string{"make", "go", "cargo", "npm"},
			DeniedPathPrefixes: []string{"/etc", "/usr"},
			Network:            false,
			TimeoutSeconds:     300,
			MaxMemoryMB:        2048,
			MaxCPUSeconds:      600,
		},
		{
			Name:           "fetch",
			Executables:    []string{"git", "pip"},
			Network:        true,
			TimeoutSeconds: 120,
			MaxMemoryMB:    512,
			MaxCPUSeconds:  120,
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testRules())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEvaluateAllowed(t *testing.T) {
	s := newTestStore(t)

	v := s.Evaluate(domain.Operation{Command: []string{"make", "all"}, Intent: domain.IntentBuild})
	if !v.Allowed {
		t.Fatalf("expected allowed, got denial: %s", v.Reason)
	}
	if v.Rule == nil || v.Rule.Name != "build-tools" {
		t.Errorf("matched rule = %+v, want build-tools", v.Rule)
	}
	if v.Err() != nil {
		t.Errorf("Err() on allowed verdict = %v, want nil", v.Err())
	}
}

func TestEvaluateDenyByDefault(t *testing.T) {
	s := newTestStore(t)

	// curl appears in no rule — must be denied, not passed through.
	v := s.Evaluate(domain.Operation{Command: []string{"curl", "http://x"}, Intent: domain.IntentInstall})
	if v.Allowed {
		t.Fatal("unlisted executable was allowed")
	}
	if !strings.Contains(v.Reason, "curl") {
		t.Errorf("denial reason %q does not cite the executable", v.Reason)
	}
	if !errors.Is(v.Err(), ErrDenied) {
		t.Errorf("Err() = %v, want ErrDenied", v.Err())
	}
}

func TestEvaluatePathQualifiedExecutable(t *testing.T) {
	s := newTestStore(t)

	// /usr/bin/make would bypass the name-based allow-list.
	v := s.Evaluate(domain.Operation{Command: []string{"/usr/bin/make"}, Intent: domain.IntentBuild})
	if v.Allowed {
		t.Fatal("path-qualified executable was allowed")
	}
}

func TestEvaluateDeniedPathPrefix(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		op   domain.Operation
	}{
		{"working dir", domain.Operation{Command: []string{"make"}, WorkingDir: "/etc/cron.d"}},
		{"absolute arg", domain.Operation{Command: []string{"make", "-f", "/usr/share/Makefile"}}},
		{"exact prefix", domain.Operation{Command: []string{"make"}, WorkingDir: "/etc"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := s.Evaluate(tc.op)
			if v.Allowed {
				t.Fatal("operation touching denied path was allowed")
			}
			if !strings.Contains(v.Reason, "denied prefix") {
				t.Errorf("reason %q does not cite the denied prefix", v.Reason)
			}
		})
	}
}

func TestEvaluatePathPrefixBoundary(t *testing.T) {
	s := newTestStore(t)

	// /etcetera must not match the /etc prefix.
	v := s.Evaluate(domain.Operation{Command: []string{"make"}, WorkingDir: "/etcetera/build"})
	if !v.Allowed {
		t.Errorf("prefix matched across path-segment boundary: %s", v.Reason)
	}
}

func TestEvaluateEmptyCommand(t *testing.T) {
	s := newTestStore(t)
	if v := s.Evaluate(domain.Operation{}); v.Allowed {
		t.Fatal("empty command was allowed")
	}
}

func TestNewRejectsInvalidRules(t *testing.T) {
	if _, err := New([]Rule{{Executables: []string{"make"}}}); err == nil {
		t.Error("rule without a name accepted")
	}
	if _, err := New([]Rule{{Name: "empty"}}); err == nil {
		t.Error("rule without executables accepted")
	}
}

func TestRevisionStability(t *testing.T) {
	a, err := New(testRules())
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(testRules())
	if err != nil {
		t.Fatal(err)
	}
	if a.Revision() != b.Revision() {
		t.Error("identical rule sets produced different revisions")
	}

	changed := testRules()
	changed[0].TimeoutSeconds = 10
	c, err := New(changed)
	if err != nil {
		t.Fatal(err)
	}
	if a.Revision() == c.Revision() {
		t.Error("changed rule set produced the same revision")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `rules:
  - name: build-tools
    executables: [make, go]
    denied_path_prefixes: [/etc]
    network: false
    timeout_seconds: 60
    max_memory_mb: 1024
    max_cpu_seconds: 120
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	v := s.Evaluate(domain.Operation{Command: []string{"go", "build", "./..."}})
	if !v.Allowed {
		t.Errorf("expected allowed, got: %s", v.Reason)
	}
	if v.Rule.TimeoutSeconds != 60 {
		t.Errorf("timeout = %d, want 60", v.Rule.TimeoutSeconds)
	}
}

func TestDefaultRulesDenyByDefault(t *testing.T) {
	s := Default()
	if s.Revision() == "" {
		t.Fatal("built-in rules produced no revision")
	}

	if v := s.Evaluate(domain.Operation{Command: []string{"make"}}); !v.Allowed {
		t.Errorf("make denied by built-in rules: %s", v.Reason)
	}
	if v := s.Evaluate(domain.Operation{Command: []string{"curl", "http://x"}}); v.Allowed {
		t.Error("curl allowed by built-in rules")
	}
	if v := s.Evaluate(domain.Operation{Command: []string{"rm", "-rf", "/etc"}}); v.Allowed {
		t.Error("rm allowed by built-in rules")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing policy file")
	}
}

func TestAuditLoggerAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	a, err := NewAuditLogger(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx := context.Background()
	events := []AuditEvent{
		{SessionID: "s1", Action: "evaluate", Command: []string{"curl"}, Result: "denied", Reason: "not allowed"},
		{SessionID: "s1", Action: "execute", Command: []string{"make"}, Result: "succeeded"},
	}
	for _, e := range events {
		if err := a.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("audit log has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"result":"denied"`) {
		t.Errorf("first line missing denial: %s", lines[0])
	}
}
