// Package pacer throttles outbound directory API calls to a configured
// requests-per-interval budget. One Pacer is owned by each import session so
// concurrent sessions never starve each other.
package pacer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/portalis/dirimport/errors"
)

// Pacer enforces the per-session outbound request rate using token-bucket
// accounting. Acquire is the only suspension point the session loop has
// besides retry backoff.
type Pacer struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	window   time.Duration
	budget   int
	acquired []time.Time      // Grant timestamps inside the window, for Stats
	timeNow  func() time.Time // Injectable for testing
}

// New creates a pacer with a requests-per-minute budget
func New(requestsPerMinute int) *Pacer {
	return NewWithClock(requestsPerMinute, time.Now)
}

// NewWithClock creates a pacer with an injectable clock (for testing Stats).
// The underlying token bucket still uses real time; tests that need full
// control should drive Acquire through a cancellable context.
func NewWithClock(requestsPerMinute int, timeNow func() time.Time) *Pacer {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	return &Pacer{
		limiter:  rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		window:   time.Minute,
		budget:   requestsPerMinute,
		acquired: make([]time.Time, 0, requestsPerMinute),
		timeNow:  timeNow,
	}
}

// Acquire suspends the caller until the budget permits proceeding.
// Returns an error only when ctx is cancelled first.
func (p *Pacer) Acquire(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "pacer acquire interrupted")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.timeNow()
	p.dropExpired(now)
	p.acquired = append(p.acquired, now)
	return nil
}

// Stats returns how many slots were granted in the current window and how
// many remain in the budget
func (p *Pacer) Stats() (used int, remaining int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dropExpired(p.timeNow())
	used = len(p.acquired)
	remaining = p.budget - used
	if remaining < 0 {
		remaining = 0
	}
	return used, remaining
}

// dropExpired removes grant timestamps outside the sliding window.
// Must be called with lock held.
func (p *Pacer) dropExpired(now time.Time) {
	cutoff := now.Add(-p.window)

	expired := 0
	for _, ts := range p.acquired {
		if !ts.After(cutoff) {
			expired++
		} else {
			break
		}
	}
	p.acquired = p.acquired[expired:]
}
