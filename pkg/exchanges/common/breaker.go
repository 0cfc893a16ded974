package common

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the circuit is open and calls are shed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a per-adapter circuit breaker. It trips when at least half of
// the recent calls fail, sheds load for resetAfter, then lets one probe call
// through to decide whether to close again.
type Breaker struct {
	mu sync.Mutex

	state       breakerState
	requests    int
	failures    int
	openedAt    time.Time
	callTimeout time.Duration
	resetAfter  time.Duration
	minRequests int
	threshold   float64
}

// NewBreaker creates a breaker with the standard adapter settings:
// 12s call timeout, 50% error-rate threshold, 30s reset.
func NewBreaker() *Breaker {
	return &Breaker{
		callTimeout: 12 * time.Second,
		resetAfter:  30 * time.Second,
		minRequests: 4,
		threshold:   0.5,
	}
}

// Do runs fn under the breaker's call timeout and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	err := fn(cctx)
	cancel()

	b.record(err)
	return err
}

// State reports the current state for health endpoints.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		if time.Since(b.openedAt) < b.resetAfter {
			return ErrBreakerOpen
		}
		b.state = stateHalfOpen
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		if err != nil {
			b.trip()
		} else {
			b.reset()
		}
		return
	}

	b.requests++
	if err != nil {
		b.failures++
	}
	if b.requests >= b.minRequests &&
		float64(b.failures)/float64(b.requests) >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = stateOpen
	b.openedAt = time.Now()
	b.requests = 0
	b.failures = 0
}

func (b *Breaker) reset() {
	b.state = stateClosed
	b.requests = 0
	b.failures = 0
}
