package domain

import "errors"

// Error taxonomy. MalformedPlan, RuntimeFailed, and TimedOut are recoverable
// within the session's attempt budget. PolicyRejected is terminal — retrying
// around a policy denial would silently widen the policy's effective scope.
// CacheCorrupt is always downgraded to a cache miss.
var (
	ErrMalformedPlan  = errors.New("planner output could not be parsed into a plan")
	ErrPolicyRejected = errors.New("operation rejected by policy")
	ErrRuntimeFailed  = errors.New("operation exited with a failure")
	ErrTimedOut       = errors.New("operation exceeded its time limit")
	ErrCacheCorrupt   = errors.New("cache entry unreadable")
)
