// Package circuitbreaker tracks per-source failure state so unhealthy
// upstreams are skipped instead of hammered.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// timeNow allows mocking time.Now for testing purposes
//
//nolint:gochecknoglobals // This is used for testing purposes
var timeNow = time.Now

// SetTimeNow sets the time function for the package and returns a function to
// restore it. This is intended for testing purposes only.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

const (
	// DefaultVolumeThreshold is the default number of failures before the
	// circuit breaker opens.
	DefaultVolumeThreshold = 5

	// DefaultResetTimeout is the default duration the circuit breaker stays
	// open before allowing a probe.
	DefaultResetTimeout = 30 * time.Second

	// errorThresholdPercent is the failure rate at which a breaker with
	// enough volume opens.
	errorThresholdPercent = 50
)

// ErrOpen is returned by Do when the breaker rejects the call without
// contacting the upstream.
var ErrOpen = errors.New("circuit breaker is open")

// State describes the breaker position.
type State uint8

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards calls to a single upstream source.
//
// It opens once the failure count reaches the volume threshold and the error
// rate is at least 50% of the calls seen since the last transition. While
// open, calls are rejected until the reset timeout elapses; then a single
// probe is allowed (half-open). A successful probe closes the breaker, a
// failed one re-opens it.
type CircuitBreaker struct {
	mu sync.Mutex

	volumeThreshold int
	resetTimeout    time.Duration

	// counts since the last transition
	requestCount int
	failureCount int

	openedAt time.Time

	// lifetime stats
	fires          int64
	successes      int64
	failures       int64
	totalLatency   time.Duration
	latencySamples int64
	lastUsedAt     time.Time
}

// New creates a new circuit breaker.
func New(volumeThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if volumeThreshold <= 0 {
		volumeThreshold = DefaultVolumeThreshold
	}

	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}

	return &CircuitBreaker{
		volumeThreshold: volumeThreshold,
		resetTimeout:    resetTimeout,
	}
}

// Do runs fn through the breaker, recording the outcome and latency. It
// returns ErrOpen without invoking fn when the breaker is open.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !cb.AllowRequest() {
		return ErrOpen
	}

	startedAt := timeNow()
	err := fn(ctx)
	elapsed := timeNow().Sub(startedAt)

	if err != nil {
		cb.recordFailure(elapsed)

		return err
	}

	cb.recordSuccess(elapsed)

	return nil
}

// AllowRequest checks if the breaker allows a request to go through. It
// handles the transition from Open to Half-Open.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.fires++
	cb.lastUsedAt = timeNow()

	if cb.openedAt.IsZero() {
		return true
	}

	if timeNow().Sub(cb.openedAt) >= cb.resetTimeout {
		// Half-open: allow one probe through by resetting openedAt to now.
		// Concurrent requests stay blocked until the next timeout cycle.
		// The failure count is preserved; if the probe fails the threshold
		// is still met and the circuit re-opens immediately, if it succeeds
		// the counts reset and the circuit closes.
		cb.openedAt = timeNow()

		return true
	}

	return false
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return StateClosed
	}

	if timeNow().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}

	return StateOpen
}

// IsOpen returns true if the breaker is currently rejecting requests.
func (cb *CircuitBreaker) IsOpen() bool { return cb.State() == StateOpen }

func (cb *CircuitBreaker) recordFailure(elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requestCount++
	cb.failureCount++
	cb.failures++
	cb.observeLatency(elapsed)

	if cb.failureCount >= cb.volumeThreshold &&
		cb.failureCount*100 >= cb.requestCount*errorThresholdPercent {
		cb.openedAt = timeNow()
	}
}

func (cb *CircuitBreaker) recordSuccess(elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requestCount = 0
	cb.failureCount = 0
	cb.openedAt = time.Time{}
	cb.successes++
	cb.observeLatency(elapsed)
}

func (cb *CircuitBreaker) observeLatency(elapsed time.Duration) {
	cb.totalLatency += elapsed
	cb.latencySamples++
}

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	Key         string        `json:"key"`
	State       string        `json:"state"`
	Fires       int64         `json:"fires"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	MeanLatency time.Duration `json:"mean_latency"`
}

// Snapshot returns the breaker's lifetime stats.
func (cb *CircuitBreaker) Snapshot() Stats {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		State:     state.String(),
		Fires:     cb.fires,
		Successes: cb.successes,
		Failures:  cb.failures,
	}

	if cb.latencySamples > 0 {
		s.MeanLatency = cb.totalLatency / time.Duration(cb.latencySamples)
	}

	return s
}
