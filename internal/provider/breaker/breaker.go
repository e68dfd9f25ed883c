// Package breaker implements a per-source circuit breaker.
//
// A breaker starts CLOSED. After FailureThreshold consecutive failures it
// turns OPEN and rejects calls with *provider.CircuitOpenError without
// invoking them. Once ResetTimeout has elapsed a single trial call is let
// through (HALF_OPEN): success closes the breaker, failure reopens it and
// restarts the timer, optionally with a longer timeout.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"quotefeed/internal/provider"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Stats is a point-in-time copy of a breaker.
type Stats struct {
	Source              string        `json:"source"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureTime     time.Time     `json:"last_failure_time"`
	OpenedAt            time.Time     `json:"opened_at"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
	Trips               int           `json:"trips"`
}

// Breaker guards one source. All fields are protected by mu; no lock is held
// while the guarded call runs.
type Breaker struct {
	name   string
	policy provider.CircuitPolicy
	now    func() time.Time
	notify func(source string, from, to State)

	mu            sync.Mutex
	state         State
	consecutive   int
	lastFailure   time.Time
	openedAt      time.Time
	resetTimeout  time.Duration
	trialInFlight bool
	trips         int
	// gen changes whenever the breaker opens; results of calls admitted
	// under an older generation are ignored.
	gen uint64
}

type outcome int

const (
	success outcome = iota
	failure
	neutral
)

// classify decides how a call result moves the breaker. A terminal error means
// the source answered, so it counts as healthy. Rate limiting and caller
// cancellation say nothing about the source.
func classify(err error) outcome {
	if err == nil {
		return success
	}
	if provider.IsAttemptTimeout(err) {
		return failure
	}
	var te *provider.TerminalError
	if errors.As(err, &te) {
		return success
	}
	var rl *provider.RateLimitedError
	if errors.As(err, &rl) {
		return neutral
	}
	if errors.Is(err, context.Canceled) {
		return neutral
	}
	return failure
}

// allow reserves the right to make one call. It returns the release func to
// report the result with.
func (b *Breaker) allow() (func(error), error) {
	b.mu.Lock()
	now := b.now()
	var from State
	changed := false

	switch b.state {
	case Open:
		retryAt := b.openedAt.Add(b.resetTimeout)
		if now.Before(retryAt) {
			b.mu.Unlock()
			return nil, &provider.CircuitOpenError{Source: b.name, RetryAt: retryAt}
		}
		from, changed = b.state, true
		b.state = HalfOpen
		b.trialInFlight = true
	case HalfOpen:
		if b.trialInFlight {
			retryAt := b.openedAt.Add(b.resetTimeout)
			b.mu.Unlock()
			return nil, &provider.CircuitOpenError{Source: b.name, RetryAt: retryAt}
		}
		b.trialInFlight = true
	}
	gen := b.gen
	b.mu.Unlock()

	if changed {
		b.fire(from, HalfOpen)
	}
	return func(err error) { b.release(gen, err) }, nil
}

func (b *Breaker) release(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	from := b.state
	now := b.now()

	switch classify(err) {
	case success:
		b.consecutive = 0
		b.trialInFlight = false
		if b.state != Closed {
			b.state = Closed
			b.resetTimeout = b.policy.ResetTimeout
		}
	case failure:
		b.consecutive++
		b.lastFailure = now
		switch b.state {
		case HalfOpen:
			b.trialInFlight = false
			b.state = Open
			b.openedAt = now
			b.trips++
			b.gen++
			b.resetTimeout = b.grow(b.resetTimeout)
		case Closed:
			if b.consecutive >= b.policy.FailureThreshold {
				b.state = Open
				b.openedAt = now
				b.trips++
				b.gen++
			}
		}
	case neutral:
		b.trialInFlight = false
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.fire(from, to)
	}
}

func (b *Breaker) grow(d time.Duration) time.Duration {
	m := b.policy.BackoffMultiplier
	if m <= 1 {
		return d
	}
	next := time.Duration(float64(d) * m)
	if b.policy.MaxResetTimeout > 0 && next > b.policy.MaxResetTimeout {
		next = b.policy.MaxResetTimeout
	}
	return next
}

func (b *Breaker) fire(from, to State) {
	if b.notify != nil {
		b.notify(b.name, from, to)
	}
}

// Execute runs fn unless the breaker is open. A failure that happens after
// ctx is done is the caller giving up and is not held against the source,
// unless an attempt hit its own timeout first.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	release, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil && !provider.IsAttemptTimeout(err) {
		release(context.Canceled)
	} else {
		release(err)
	}
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Source:              b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		LastFailureTime:     b.lastFailure,
		OpenedAt:            b.openedAt,
		ResetTimeout:        b.resetTimeout,
		Trips:               b.trips,
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.consecutive = 0
	b.lastFailure = time.Time{}
	b.openedAt = time.Time{}
	b.resetTimeout = b.policy.ResetTimeout
	b.trialInFlight = false
	b.trips = 0
	b.gen++
	b.mu.Unlock()
	if from != Closed {
		b.fire(from, Closed)
	}
}
