package resiliency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of a CircuitBreaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var ErrCircuitOpen = errors.New("resiliency: circuit breaker open")

// CircuitBreaker opens after threshold consecutive failures and lets one
// trial request through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        State
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		// one trial at a time
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
}

// Call runs fn through the breaker. Context cancellation by the caller does
// not count as a failure of the downstream.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.Success()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		cb.mu.Lock()
		if cb.state == StateHalfOpen {
			cb.state = StateOpen
		}
		cb.mu.Unlock()
	default:
		cb.Failure()
	}
	return err
}

// Guard combines a breaker, a retry policy and a per-attempt timeout.
// An open breaker stops the retries.
type Guard struct {
	Policy  Policy
	Breaker *CircuitBreaker
	Timeout time.Duration
}

func (g Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.Policy.Do(ctx, func(ctx context.Context) error {
		attempt := fn
		if g.Timeout > 0 {
			attempt = func(ctx context.Context) error {
				cctx, cancel := context.WithTimeout(ctx, g.Timeout)
				defer cancel()
				return fn(cctx)
			}
		}
		var err error
		if g.Breaker != nil {
			err = g.Breaker.Call(ctx, attempt)
		} else {
			err = attempt(ctx)
		}
		if errors.Is(err, ErrCircuitOpen) {
			return Stop(err)
		}
		return err
	})
}
