// Package resiliency holds the retry policy shared by job rescheduling and
// outbound KMS/storage calls, plus a circuit breaker.
package resiliency

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Policy is an exponential backoff: delay(n) = BaseDelay * Multiplier^n,
// capped at MaxDelay, plus up to Jitter of random slack.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// JobPolicy reschedules failed jobs: 3^n minutes, at most a day.
var JobPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   time.Minute,
	Multiplier:  3,
	MaxDelay:    24 * time.Hour,
}

// CallPolicy retries short outbound calls (KMS sign, object upload).
var CallPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    2 * time.Second,
	Jitter:      50 * time.Millisecond,
}

// Delay returns the wait before retry number attempt (0-based), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(p.Jitter)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Do returns it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the context ends,
// or MaxAttempts is reached. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(p.Delay(i) + p.jitter())
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
