package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/inletworks/inlet/internal/metrics"
)

// MemoryLimiter keeps one sliding window of request timestamps per
// identity. Mutation is atomic per identity (per-entry lock), so
// concurrent requests from the same identity never undercount. A periodic
// sweep purges identities idle past the TTL, bounding memory growth under
// high-cardinality attack traffic.
type MemoryLimiter struct {
	limit   int
	window  time.Duration
	idleTTL time.Duration

	mu      sync.Mutex
	entries map[string]*identityState

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

type identityState struct {
	mu         sync.Mutex
	stamps     []time.Time
	violations int
	// lastSeen is guarded by the limiter's map mutex, not st.mu, so a
	// lookup and its touch are atomic with respect to the sweep.
	lastSeen time.Time
}

// NewMemoryLimiter builds a limiter allowing `limit` requests per trailing
// `window`, sweeping idle identities every sweepInterval.
func NewMemoryLimiter(limit int, window, idleTTL, sweepInterval time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		limit:   limit,
		window:  window,
		idleTTL: idleTTL,
		entries: make(map[string]*identityState),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go l.sweepLoop(sweepInterval)
	}
	return l
}

// Check implements Limiter.
func (l *MemoryLimiter) Check(ctx context.Context, identity string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	st, ok := l.entries[identity]
	if !ok {
		st = &identityState{}
		l.entries[identity] = st
	}
	st.lastSeen = now
	l.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(now.Add(-l.window))

	if len(st.stamps) < l.limit {
		st.stamps = append(st.stamps, now)
		st.violations = 0
		return Decision{Allowed: true, Remaining: l.limit - len(st.stamps)}, nil
	}

	st.violations++
	metrics.RateLimitHits.WithLabelValues(identity).Inc()

	// The base wait is until the oldest timestamp leaves the window; each
	// consecutive violation multiplies it, defanging bursts without
	// permanently banning the identity.
	base := st.stamps[0].Add(l.window).Sub(now)
	if base <= 0 {
		base = time.Millisecond
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: base * time.Duration(st.violations),
		Violations: st.violations,
	}, nil
}

// Close stops the sweep goroutine.
func (l *MemoryLimiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}

// Len reports how many identities currently hold state.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes identities with no activity since now-idleTTL. Exposed for
// tests; normally driven by the sweep goroutine.
func (l *MemoryLimiter) Sweep() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for identity, st := range l.entries {
		if st.lastSeen.Before(cutoff) {
			delete(l.entries, identity)
		}
	}
}

func (l *MemoryLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

func (st *identityState) prune(cutoff time.Time) {
	drop := 0
	for drop < len(st.stamps) && !st.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		st.stamps = append(st.stamps[:0], st.stamps[drop:]...)
	}
}
