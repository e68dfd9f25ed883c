package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is matched by AllSourcesFailedError so callers can use errors.Is.
var ErrNotFound = errors.New("quote not found")

// RetryableError marks a transient failure (timeout, 5xx, parse miss).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError marks a failure that will not go away on retry,
// such as a source confirming the symbol does not exist.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Terminal wraps err as a TerminalError. A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsRetryable reports whether another attempt could succeed.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitOpenError is returned without touching the network while a breaker is open.
type CircuitOpenError struct {
	Source  string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Source, e.RetryAt.UTC().Format(time.RFC3339))
}

// RateLimitedError means the source was skipped this round. It does not count
// against the circuit breaker.
type RateLimitedError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Source, e.RetryAfter)
}

// AttemptTimeoutError means one attempt ran into its own per-attempt
// timeout. It counts against the source even when the request deadline
// expired at the same moment.
type AttemptTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *AttemptTimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s: %v", e.Timeout, e.Err)
}

func (e *AttemptTimeoutError) Unwrap() error { return e.Err }

// IsAttemptTimeout reports whether err carries an *AttemptTimeoutError.
func IsAttemptTimeout(err error) bool {
	var ate *AttemptTimeoutError
	return errors.As(err, &ate)
}

// ExhaustedError annotates the last error of a retried operation.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("after %d attempt(s) in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ConsensusFailure means quotes were obtained but could not be trusted.
type ConsensusFailure struct {
	Symbol     string
	Confidence float64
	Min        float64
}

func (e *ConsensusFailure) Error() string {
	return fmt.Sprintf("consensus for %s: confidence %.3f below minimum %.3f", e.Symbol, e.Confidence, e.Min)
}

// AllSourcesFailedError aggregates the last error of every source tried for a symbol.
type AllSourcesFailedError struct {
	Symbol string
	Errors map[string]error
}

func (e *AllSourcesFailedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s: no sources available", e.Symbol)
	}
	names := make([]string, 0, len(e.Errors))
	for n := range e.Errors {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+e.Errors[n].Error())
	}
	return fmt.Sprintf("%s: all sources failed: %s", e.Symbol, strings.Join(parts, "; "))
}

func (e *AllSourcesFailedError) Is(target error) bool { return target == ErrNotFound }

// Summary returns one message per source, for response bodies.
func (e *AllSourcesFailedError) Summary() map[string]string {
	out := make(map[string]string, len(e.Errors))
	for n, err := range e.Errors {
		out[n] = err.Error()
	}
	return out
}
