package provider

import (
	"context"
	"strings"
	"time"
)

// RawQuote is the normalized shape returned by every source for one symbol.
// It is produced fresh per call and never mutated afterwards.
type RawQuote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	TimestampUTC  time.Time `json:"timestamp_utc"`
	SourceName    string    `json:"source"`
}

// ValidatedQuote is a RawQuote the consensus step decided to trust.
type ValidatedQuote struct {
	RawQuote
	Confidence          float64  `json:"confidence"`
	ContributingSources []string `json:"contributing_sources"`
}

// Source is a single upstream quote provider. Fetch errors should be
// wrapped with Retryable or Terminal.
//
//go:generate mockgen -package=fetcher_test -destination=../fetcher/mock_source_test.go -source=provider.go Source
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (RawQuote, error)
}

// RetryPolicy controls how many times and how fast a failed call is repeated.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// Jitter randomizes each delay by up to +/- JitterFraction.
	Jitter         bool
	JitterFraction float64
	// AttemptTimeout bounds each attempt. When the caller's deadline leaves
	// less than the backoff delay plus AttemptTimeout, no further attempt is
	// started. The fetcher sets it from SourceConfig.Timeout.
	AttemptTimeout time.Duration
}

// CircuitPolicy controls when a source is short-circuited and for how long.
type CircuitPolicy struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// BackoffMultiplier > 1 grows ResetTimeout every time a half-open trial fails.
	BackoffMultiplier float64
	MaxResetTimeout   time.Duration
}

// SourceConfig describes a registered source. It is immutable after startup.
type SourceConfig struct {
	Name     string
	Priority int
	// RateLimit is the max number of requests per rolling 60s window. 0 disables limiting.
	RateLimit   int
	MinInterval time.Duration
	// WaitForRateLimit makes the fetcher wait for a slot instead of skipping the source.
	WaitForRateLimit bool
	Timeout          time.Duration
	Retry            RetryPolicy
	Circuit          CircuitPolicy
}

// DefaultRetryPolicy is used for sources that do not configure one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         200 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          2 * time.Second,
		Jitter:            true,
		JitterFraction:    0.2,
	}
}

// DefaultCircuitPolicy is used for sources that do not configure one.
func DefaultCircuitPolicy() CircuitPolicy {
	return CircuitPolicy{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		BackoffMultiplier: 1,
	}
}

// WithDefaults fills zero-valued fields.
func (c SourceConfig) WithDefaults() SourceConfig {
	if c.Priority <= 0 {
		c.Priority = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = 1
	}
	if c.Circuit.FailureThreshold <= 0 {
		c.Circuit = DefaultCircuitPolicy()
	}
	if c.Circuit.BackoffMultiplier <= 0 {
		c.Circuit.BackoffMultiplier = 1
	}
	return c
}

// NormalizeSymbol trims and upper-cases a ticker so cache and consensus keys agree.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
