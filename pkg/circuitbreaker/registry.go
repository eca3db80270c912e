package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

// sweepAge is how long an unused breaker survives before the sweeper drops it.
const sweepAge = 24 * time.Hour

// Registry holds one breaker per source for the process lifetime. It is an
// explicit long-lived subsystem created at startup, not an ambient global.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// ForSource returns the breaker keyed "source:{id}", creating it lazily with
// the given parameters on first use.
func (r *Registry) ForSource(sourceID string, volumeThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	key := "source:" + sourceID

	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[key]
	if !ok {
		cb = New(volumeThreshold, resetTimeout)
		r.breakers[key] = cb
	}

	return cb
}

// Snapshot returns the stats of every registered breaker keyed by breaker key.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))

	for key, cb := range r.breakers {
		s := cb.Snapshot()
		s.Key = key
		stats = append(stats, s)
	}

	return stats
}

// Sweep removes breakers that have not been used for sweepAge.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := timeNow().Add(-sweepAge)

	for key, cb := range r.breakers {
		cb.mu.Lock()
		stale := !cb.lastUsedAt.IsZero() && cb.lastUsedAt.Before(cutoff)
		cb.mu.Unlock()

		if stale {
			delete(r.breakers, key)
		}
	}
}

// Run sweeps the registry periodically until the context is canceled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}
