package natsclient

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// breaker guards Connect. After threshold consecutive failures it opens for
// the current backoff; the first call after that window half-opens it. Each
// failed half-open round doubles the window up to maxWait.
type breaker struct {
	mu        sync.Mutex
	threshold int
	policy    *backoff.ExponentialBackOff

	failures int // since the last success
	round    int // failures counted toward the next opening
	open     bool
	until    time.Time
	wait     time.Duration
	lastFail time.Time
}

func newBreaker(threshold int, initial, maxWait time.Duration) *breaker {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = maxWait
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	return &breaker{threshold: threshold, policy: policy, wait: initial}
}

// allow reports whether a connect attempt may proceed at now
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if now.Before(b.until) {
		return false
	}
	b.open = false
	return true
}

// failure records a failed attempt and reports whether it opened the circuit
func (b *breaker) failure(now time.Time) (opened bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.round++
	b.lastFail = now
	if b.round < b.threshold {
		return false, 0
	}

	b.round = 0
	b.wait = b.policy.NextBackOff()
	b.open = true
	b.until = now.Add(b.wait)
	return true, b.wait
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.round = 0
	b.open = false
	b.lastFail = time.Time{}
	b.policy.Reset()
	b.wait = b.policy.InitialInterval
}

type breakerState struct {
	Open     bool
	Failures int
	Wait     time.Duration
	LastFail time.Time
}

func (b *breaker) state() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return breakerState{Open: b.open, Failures: b.failures, Wait: b.wait, LastFail: b.lastFail}
}
