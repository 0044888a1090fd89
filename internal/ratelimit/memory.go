package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kanshi/internal/clock"
)

// Defaults for MemoryLimiter housekeeping.
const (
	DefaultStaleAfter = 10 * time.Minute
	DefaultSweepEvery = time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// take refills b for the time since it was last seen and spends one token
// if there is one.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens = min(burst, b.tokens+now.Sub(b.seen).Seconds()*rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is a per-key token bucket held in process memory. Buckets
// idle for longer than the stale window are swept on a timer armed on the
// limiter's clock.
type MemoryLimiter struct {
	rate       float64
	burst      float64
	clock      clock.Clock
	staleAfter time.Duration
	sweepEvery time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	sweeper clock.Timer
	closed  bool
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces the wall clock used for refills and sweeps.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *MemoryLimiter) { m.clock = c }
}

// WithStaleAfter sets how long an idle bucket survives and how often the
// sweep runs.
func WithStaleAfter(stale, every time.Duration) MemoryOption {
	return func(m *MemoryLimiter) {
		if stale > 0 {
			m.staleAfter = stale
		}
		if every > 0 {
			m.sweepEvery = every
		}
	}
}

// NewMemoryLimiter admits rate requests per second per key with bursts of
// up to burst. Close stops the sweep timer.
func NewMemoryLimiter(rate float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:       rate,
		burst:      float64(max(burst, 1)),
		clock:      clock.Real(),
		staleAfter: DefaultStaleAfter,
		sweepEvery: DefaultSweepEvery,
		buckets:    make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mu.Lock()
	m.sweeper = m.clock.AfterFunc(m.sweepEvery, m.sweep)
	m.mu.Unlock()
	return m
}

// Allow spends one token from key's bucket. A new key starts full.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	}
	return b.take(now, m.rate, m.burst), nil
}

// RetryAfter is the time one token takes to refill, at least a second.
func (m *MemoryLimiter) RetryAfter() time.Duration {
	if m.rate <= 0 {
		return time.Minute
	}
	return max(time.Second, time.Duration(float64(time.Second)/m.rate))
}

// Len returns the number of live buckets.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops sweeping. It may be called more than once.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.sweeper != nil {
		m.sweeper.Stop()
		m.sweeper = nil
	}
	return nil
}

func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	cutoff := m.clock.Now().Add(-m.staleAfter)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
	m.sweeper = m.clock.AfterFunc(m.sweepEvery, m.sweep)
}
