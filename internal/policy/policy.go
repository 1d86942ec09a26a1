// Package policy implements the deny-by-default rule store that gates every
// operation before it reaches the sandbox.
//
// Evaluation order per operation: denied path prefixes checked first; if any
// match, deny. Then the executable allow-list; an operation whose executable
// appears in no rule is denied — absence of a rule is a denial, never a
// pass-through. The matching rule also carries the resource limits the
// sandbox enforces for that operation.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/runbox/internal/domain"
)

// ErrDenied is the sentinel wrapped by every denial verdict.
var ErrDenied = errors.New("denied by policy")

// Rule is one allow rule: a set of executables and the constraints under
// which they may run.
type Rule struct {
	Name        string   `yaml:"name"`
	Executables []string `yaml:"executables"`
	// DeniedPathPrefixes rejects operations whose working directory or any
	// absolute-path argument falls under one of these prefixes.
	DeniedPathPrefixes []string `yaml:"denied_path_prefixes,omitempty"`
	Network            bool     `yaml:"network"`
	TimeoutSeconds     int      `yaml:"timeout_seconds"`
	MaxMemoryMB        int      `yaml:"max_memory_mb"`
	MaxCPUSeconds      int      `yaml:"max_cpu_seconds"`
}

// Timeout returns the rule's wall-clock limit as a duration.
func (r *Rule) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Verdict is the outcome of evaluating one operation.
type Verdict struct {
	Allowed bool
	Rule    *Rule  // The matching rule when allowed; nil otherwise.
	Reason  string // Populated on denial: the rule and check that failed.
}

// Err returns nil for an allowed verdict, or the denial wrapped in ErrDenied.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDenied, v.Reason)
}

// Store holds the rule set for one session. Rules are loaded once and are
// immutable for the session's lifetime — no hot-reload, to avoid
// time-of-check/time-of-use gaps between validation and execution.
// Safe for concurrent readers.
type Store struct {
	rules    []Rule
	byExe    map[string]*Rule // executable name → first rule allowing it
	revision string
}

// File is the on-disk policy document shape.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads a YAML policy file and builds an immutable Store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return New(f.Rules)
}

// DefaultRules is the built-in rule set used when no policy file exists.
// It allows the usual build toolchains; network is granted only to the
// package-manager rule, and system paths stay off-limits everywhere.
func DefaultRules() []Rule {
	systemPaths := []string{"/etc", "/root", "/var", "/usr", "/boot", "/sys", "/proc"}
	return []Rule{
		{
			Name:               "package-managers",
			Executables:        []string{"pip", "pip3", "npm", "yarn", "pnpm", "cargo", "go", "bundle", "mvn", "gradle"},
			DeniedPathPrefixes: systemPaths,
			Network:            true,
			TimeoutSeconds:     600,
			MaxMemoryMB:        4096,
		},
		{
			Name:               "build-tools",
			Executables:        []string{"make", "cmake", "gcc", "g++", "cc", "ld", "javac", "tsc"},
			DeniedPathPrefixes: systemPaths,
			TimeoutSeconds:     600,
			MaxMemoryMB:        4096,
		},
		{
			Name:               "interpreters",
			Executables:        []string{"python", "python3", "node", "ruby", "java", "sh", "bash"},
			DeniedPathPrefixes: systemPaths,
			TimeoutSeconds:     300,
			MaxMemoryMB:        2048,
		},
	}
}

// Default builds a Store from DefaultRules.
func Default() *Store {
	store, err := New(DefaultRules())
	if err != nil {
		panic(err) // built-in rules are statically valid
	}
	return store
}

// New builds a Store from an in-memory rule set.
func New(rules []Rule) (*Store, error) {
	byExe := make(map[string]*Rule)
	for i := range rules {
		r := &rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("policy rule %d has no name", i)
		}
		if len(r.Executables) == 0 {
			return nil, fmt.Errorf("policy rule %q allows no executables", r.Name)
		}
		for _, exe := range r.Executables {
			if _, dup := byExe[exe]; !dup {
				byExe[exe] = r
			}
		}
	}
	return &Store{
		rules:    rules,
		byExe:    byExe,
		revision: fingerprint(rules),
	}, nil
}

// Revision returns a stable fingerprint of the rule set. Cache entries
// record the revision they were committed under; a mismatch forces the
// cached plan back through validation.
func (s *Store) Revision() string {
	return s.revision
}

// Rules returns a copy of the rule set, for display.
func (s *Store) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Evaluate checks a single operation against the rule set.
// Pure predicate: no side effects, re-runnable.
func (s *Store) Evaluate(op domain.Operation) Verdict {
	if len(op.Command) == 0 {
		return Verdict{Reason: "operation has an empty command"}
	}

	exe := op.Command[0]
	// Path-qualified executables bypass the allow-list by construction, so
	// only the basename is ever matched and the path form itself is denied.
	if strings.ContainsAny(exe, "/\\") {
		return Verdict{Reason: fmt.Sprintf("executable %q is path-qualified; only bare names are allowed", exe)}
	}

	rule, ok := s.byExe[exe]
	if !ok {
		return Verdict{Reason: fmt.Sprintf("executable %q is not in any allow rule", exe)}
	}

	// Deny-first path check over the working directory and every
	// absolute-path argument.
	for _, p := range pathsOf(op) {
		for _, prefix := range rule.DeniedPathPrefixes {
			if hasPathPrefix(p, prefix) {
				return Verdict{Reason: fmt.Sprintf("rule %q: path %q matches denied prefix %q", rule.Name, p, prefix)}
			}
		}
	}

	return Verdict{Allowed: true, Rule: rule}
}

// pathsOf collects the operation's working directory and absolute-path arguments.
func pathsOf(op domain.Operation) []string {
	var paths []string
	if op.WorkingDir != "" {
		paths = append(paths, op.WorkingDir)
	}
	for _, arg := range op.Command[1:] {
		if filepath.IsAbs(arg) {
			paths = append(paths, arg)
		}
	}
	return paths
}

// hasPathPrefix reports whether path falls under prefix on a path-segment boundary.
func hasPathPrefix(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// fingerprint hashes the canonicalized rule set. Field order is fixed and
// every component is length-prefixed so distinct rule sets cannot collide
// by concatenation.
func fingerprint(rules []Rule) string {
	canon := make([]string, 0, len(rules))
	for _, r := range rules {
		exes := append([]string(nil), r.Executables...)
		sort.Strings(exes)
		prefixes := append([]string(nil), r.DeniedPathPrefixes...)
		sort.Strings(prefixes)
		canon = append(canon, fmt.Sprintf("%d:%s|%v|%v|%t|%d|%d|%d",
			len(r.Name), r.Name, exes, prefixes, r.Network,
			r.TimeoutSeconds, r.MaxMemoryMB, r.MaxCPUSeconds))
	}
	sort.Strings(canon)

	h := sha256.New()
	for _, c := range canon {
		fmt.Fprintf(h, "%d:%s", len(c), c)
	}
	return hex.EncodeToString(h.Sum(nil))
}
