// Package retry runs an operation with bounded attempts and exponential backoff.
// An Executor holds no state between calls; everything about one run lives
// on the stack of Do.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"quotefeed/internal/provider"
)

// Executor carries the hooks Do uses. The zero value is ready to use.
type Executor struct {
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64
	Now  func() time.Time
	// OnRetry is called before sleeping ahead of attempt number next.
	OnRetry func(next int, delay time.Duration, err error)
}

// Backoff returns the un-jittered delay before attempt k (k >= 2):
// min(MaxDelay, BaseDelay * BackoffMultiplier^(k-2)).
func Backoff(p provider.RetryPolicy, k int) time.Duration {
	if k < 2 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(k-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (e *Executor) delay(p provider.RetryPolicy, k int) time.Duration {
	d := Backoff(p, k)
	if !p.Jitter || d <= 0 {
		return d
	}
	frac := p.JitterFraction
	if frac <= 0 {
		frac = 0.2
	}
	r := rand.Float64
	if e != nil && e.Rand != nil {
		r = e.Rand
	}
	// spread uniformly over [d*(1-frac), d*(1+frac))
	j := float64(d) * (1 + frac*(2*r()-1))
	if j < 0 {
		j = 0
	}
	return time.Duration(j)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e != nil && e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// hasBudget reports whether ctx's deadline, if any, is at least need away.
func hasBudget(ctx context.Context, need time.Duration) bool {
	dl, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(dl) >= need
}

// runAttempt calls op under its own timeout. A retryable failure caused by
// that timeout, rather than by an earlier deadline on ctx, comes back as
// *provider.AttemptTimeoutError.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	own := time.Now().Add(timeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := op(actx)
	if err == nil || !provider.IsRetryable(err) || !errors.Is(actx.Err(), context.DeadlineExceeded) {
		return v, err
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(own) {
		return v, err
	}
	return v, &provider.AttemptTimeoutError{Timeout: timeout, Err: err}
}

// Do runs op until it succeeds, returns a terminal error, ctx is done, or
// p.MaxAttempts is reached. With p.AttemptTimeout set, each attempt gets
// its own deadline and retries stop once ctx cannot fit another one.
// Failures come back as *provider.ExhaustedError carrying the attempt count
// and elapsed time.
func Do[T any](ctx context.Context, e *Executor, p provider.RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	start := e.now()

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if attempt > 1 {
			d := e.delay(p, attempt)
			if !hasBudget(ctx, d+p.AttemptTimeout) {
				return zero, &provider.ExhaustedError{Attempts: attempt - 1, Elapsed: e.now().Sub(start), Err: lastErr}
			}
			if e != nil && e.OnRetry != nil {
				e.OnRetry(attempt, d, lastErr)
			}
			if err := e.sleep(ctx, d); err != nil {
				return zero, &provider.ExhaustedError{Attempts: attempt - 1, Elapsed: e.now().Sub(start), Err: errors.Join(lastErr, err)}
			}
		}

		v, err := runAttempt(ctx, p.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !provider.IsRetryable(err) {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if !errors.Is(err, ctxErr) {
				lastErr = errors.Join(err, ctxErr)
			}
			break
		}
	}
	return zero, &provider.ExhaustedError{Attempts: attempt, Elapsed: e.now().Sub(start), Err: lastErr}
}
