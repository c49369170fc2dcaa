package lookup

import (
	"sync"
	"time"
)

// CircuitBreaker halts outbound lookups for a cool-down window after
// repeated failures so a broken source is not hammered with retries.
// There is no half-open probing: once the reset window elapses the next
// Allow call closes the breaker fully and the failure count starts over.
type CircuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	openedAt     time.Time
	threshold    int
	resetWindow  time.Duration
}

func NewCircuitBreaker(threshold int, resetWindow time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:   threshold,
		resetWindow: resetWindow,
	}
}

// Allow reports whether a new lookup may proceed. An open breaker whose
// reset window has elapsed transitions back to closed before returning true.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.openedAt.IsZero() {
		return true
	}
	if time.Since(cb.openedAt) >= cb.resetWindow {
		cb.openedAt = time.Time{}
		cb.failureCount = 0
		return true
	}

	return false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	if cb.failureCount >= cb.threshold && cb.openedAt.IsZero() {
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.openedAt = time.Time{}
}
