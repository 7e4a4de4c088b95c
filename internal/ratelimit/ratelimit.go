// Package ratelimit bounds request rates per identity (credential id or
// remote address) with sliding-window semantics and escalating backoff.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed bool
	// Remaining is the quota left in the current window after this check;
	// -1 means unbounded.
	Remaining int
	// RetryAfter is how long the caller should wait before retrying; zero
	// when allowed. Escalates with consecutive violations.
	RetryAfter time.Duration
	// Violations counts consecutive denials for this identity, resetting
	// once a request is allowed. Callers use it to decide when throttling
	// turns into a security signal.
	Violations int
}

// Limiter grants or denies requests per identity.
type Limiter interface {
	Check(ctx context.Context, identity string) (Decision, error)
	Close() error
}

// NoopLimiter always allows. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Check(ctx context.Context, identity string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}

func (NoopLimiter) Close() error { return nil }
