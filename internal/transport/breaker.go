package transport

import (
	"sync"
	"time"
)

// DefaultBreakerThreshold is the number of consecutive failures before the
// circuit opens.
const DefaultBreakerThreshold = 5

// DefaultBreakerCooldown is how long the circuit stays open before a probe
// request is let through.
const DefaultBreakerCooldown = 15 * time.Second

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal state - requests are allowed.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the API is failing - requests fail fast.
	CircuitOpen
	// CircuitHalfOpen means the cooldown expired - one probe request is allowed.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern for the API host.
type Breaker struct {
	mu           sync.Mutex
	threshold    int           // consecutive failures to open circuit
	cooldown     time.Duration // time to wait before half-open probe
	failureCount int           // current consecutive failures
	state        CircuitState
	openedAt     time.Time
	probing      bool // a half-open probe is outstanding
	now          func() time.Time
}

// NewBreaker creates a breaker; non-positive arguments select the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
		now:       time.Now,
	}
}

// Allow checks if a request should be allowed through.
// In half-open state only one probe is admitted until it is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.state = CircuitClosed
	b.probing = false
}

// RecordFailure counts a failure; reaching the threshold, or failing the
// half-open probe, opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.probing = false
	if b.state == CircuitHalfOpen || b.failureCount >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

// abandon releases a half-open probe whose request was cancelled.
func (b *Breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current state of the breaker.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
