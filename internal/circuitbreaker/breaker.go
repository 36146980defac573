// Package circuitbreaker implements the per-(worker process, handler)
// failure-isolating gate named in the worker pipeline. State is process-local
// by design: a globally-shared breaker would need atomic state-store
// counters, which this system deliberately does not specify.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Breaker guards calls to a single downstream dependency (here, one
// handler). HALF_OPEN closes again on a single success and reopens on a
// single failure — stricter than a multi-probe half-open window, per the
// explicit transition rule this system specifies.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	openTimeout      time.Duration

	state           State
	failureCount    int
	lastFailureTime time.Time
}

// New returns a Breaker starting CLOSED, opening after failureThreshold
// consecutive failures, and probing again openTimeout after it opens.
func New(failureThreshold int, openTimeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		state:            Closed,
	}
}

// Allow reports whether a call may proceed, transitioning OPEN to HALF_OPEN
// if the open timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.lastFailureTime) >= b.openTimeout {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure counter in CLOSED and closes the breaker
// immediately in HALF_OPEN.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
	case Closed:
		b.failureCount = 0
	}
}

// RecordFailure counts a failure, opening the breaker immediately from
// HALF_OPEN or once CLOSED's consecutive-failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.failureCount = 0
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
			b.failureCount = 0
		}
	}
}

// CurrentState returns the breaker's current state without mutating it.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one Breaker per handler name, creating it on first use.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	openTimeout      time.Duration
}

// NewRegistry returns a Registry whose breakers all share the given
// thresholds, matching the per-worker-process configuration surface.
func NewRegistry(failureThreshold int, openTimeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
	}
}

// For returns the Breaker for handler, creating it if this is the first call.
func (r *Registry) For(handlerName string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[handlerName]
	if !ok {
		b = New(r.failureThreshold, r.openTimeout)
		r.breakers[handlerName] = b
	}
	return b
}
