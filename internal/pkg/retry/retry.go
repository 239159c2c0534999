// Package retry provides the bounded retry with exponential backoff and
// jitter used at every external-call boundary of the pipeline.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Name labels the operation in log lines and errors.
	Name string
}

// DefaultPolicy retries three times starting at one second.
func DefaultPolicy(name string) Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Name:       name,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Notify is called before each backoff sleep.
type Notify func(attempt int, delay time.Duration, err error)

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or MaxRetries retries are used up. The last error is returned.
// Context cancellation is never retried.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a hook invoked before every retry. A nil notify logs
// the retry at WARN level under the policy name.
func DoNotify(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	p = p.normalized()
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if attempt > 0 {
			delay := p.delay(attempt)
			if notify != nil {
				notify(attempt, delay, lastErr)
			} else {
				logger.Warn("retry: backing off",
					"op", p.Name, "attempt", attempt, "max", p.MaxRetries,
					"delay", delay.String(), "err", lastErr)
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		lastErr = err
	}

	return lastErr
}

// delay returns random(0, min(MaxDelay, BaseDelay*2^(attempt-1))) with a
// 100ms floor so quick retries never busy-loop.
func (p Policy) delay(attempt int) time.Duration {
	expDelay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if expDelay > float64(p.MaxDelay) {
		expDelay = float64(p.MaxDelay)
	}

	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}
