// Package planner turns repository context into an ordered, typed Plan by
// asking an external completion backend and normalizing its free-form output
// into the domain model. This is the trust boundary: nothing downstream sees
// planner output that did not survive parsing, and every parsed Plan still
// goes through policy validation regardless of provenance.
package planner

import "context"

// Provider is the abstraction over any completion backend (Anthropic, OpenAI, etc.).
type Provider interface {
	// Complete sends one prompt to the backend and returns its response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request is a single completion request.
type Request struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
}

// Response is what the backend returns.
type Response struct {
	Content    string
	StopReason string // "end_turn", "max_tokens"
	Usage      Usage
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
