package planner

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

// planStep is the wire shape the backend is instructed to produce.
// Command accepts either an argv array or a plain string; a string is split
// on whitespace only when it is free of shell metacharacters — anything that
// would need a shell to interpret is malformed, not silently executed.
type planStep struct {
	Command json.RawMessage   `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Intent  string            `json:"intent"`
}

// shellMeta are characters that change meaning under a shell. Their presence
// in a string command means the planner wanted shell features we do not grant.
const shellMeta = "|&;<>()$`\\\"'*?[]{}~#\n"

// ParseOperations normalizes backend output into typed Operations.
// Every failure path returns domain.ErrMalformedPlan so the retry controller
// can budget it as a failed attempt.
func ParseOperations(content string) ([]domain.Operation, error) {
	raw := stripFences(strings.TrimSpace(content))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response", domain.ErrMalformedPlan)
	}

	var steps []planStep
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPlan, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", domain.ErrMalformedPlan)
	}

	ops := make([]domain.Operation, 0, len(steps))
	for i, s := range steps {
		argv, err := parseCommand(s.Command)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", domain.ErrMalformedPlan, i, err)
		}
		if !domain.ValidIntent(s.Intent) {
			return nil, fmt.Errorf("%w: step %d: unknown intent %q", domain.ErrMalformedPlan, i, s.Intent)
		}
		dir := filepath.Clean(s.Dir)
		if dir == "." {
			dir = ""
		}
		if filepath.IsAbs(dir) || strings.HasPrefix(dir, "..") {
			return nil, fmt.Errorf("%w: step %d: dir %q escapes the repository", domain.ErrMalformedPlan, i, s.Dir)
		}
		ops = append(ops, domain.Operation{
			Command:    argv,
			WorkingDir: dir,
			Env:        s.Env,
			Intent:     domain.Intent(s.Intent),
		})
	}
	return ops, nil
}

// parseCommand accepts ["prog", "arg"] or "prog arg" (metacharacter-free).
func parseCommand(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing command")
	}

	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("empty command")
		}
		return argv, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("command is neither an array nor a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty command")
	}
	if strings.ContainsAny(s, shellMeta) {
		return nil, fmt.Errorf("command %q requires a shell; only argv commands are accepted", s)
	}
	return strings.Fields(s), nil
}

// stripFences removes a ```json ... ``` wrapper if the backend added one
// despite instructions. Anything else around the JSON stays and fails parsing.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
