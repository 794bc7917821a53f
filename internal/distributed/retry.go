package distributed

import (
	"github.com/danielpatrickdp/graph-automaton/internal/resolver"
)

// Attempt is one resolve try for a node.
type Attempt struct {
	Resolver string
	Failure  resolver.FailureType
	Err      error
}

// RetryPolicy decides whether a failed node moves on to another resolver.
type RetryPolicy struct {
	MaxAttempts int
	// PoolSize bounds retries to resolvers not tried yet for the node.
	PoolSize int
}

// ShouldRetry reports whether another attempt is allowed after attempts,
// which includes the one just made.
func (p RetryPolicy) ShouldRetry(attempts []Attempt) bool {
	if len(attempts) == 0 || len(attempts) >= p.MaxAttempts {
		return false
	}
	latest := attempts[len(attempts)-1]
	if !latest.Failure.Retryable() {
		return false
	}
	if p.PoolSize > 0 && len(tried(attempts)) >= p.PoolSize {
		// rate limits clear on their own; everything else would repeat
		return latest.Failure == resolver.FailureRateLimited
	}
	return true
}

func tried(attempts []Attempt) map[string]struct{} {
	seen := make(map[string]struct{}, len(attempts))
	for _, a := range attempts {
		seen[a.Resolver] = struct{}{}
	}
	return seen
}
