// Package ratelimit throttles agent callbacks.
//
// Agents report completions, failures and logs over HTTP. A misbehaving
// agent in a retry loop can flood the tracker with callbacks; the limiter
// keeps one token bucket per agent so one agent cannot starve the others.
package ratelimit

import "context"

// Limiter admits or rejects a request by key. Safe for concurrent use.
//
// A non-nil error means the limiter itself is broken. The middleware lets
// the request through in that case.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter admits everything. It stands in when
// KANSHI_RATE_LIMIT_ENABLED is false.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoopLimiter) Close() error                                { return nil }
