// Package fetcher acquires quotes from the registered sources in priority
// order, guarding every call with the source's rate limiter, circuit breaker
// and retry policy, and reconciles the results through consensus.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"quotefeed/internal/consensus"
	"quotefeed/internal/provider"
	"quotefeed/internal/provider/cache"
	"quotefeed/internal/provider/errstats"
	"quotefeed/internal/provider/retry"
	"quotefeed/internal/resilience"
)

// ErrTooManySymbols is returned by FetchMany when a batch exceeds MaxBatchSymbols.
var ErrTooManySymbols = errors.New("too many symbols")

type Config struct {
	// MinSourcesBeforeStop is how many quotes end the priority walk.
	MinSourcesBeforeStop int
	// CrossCheckSources extra sources are tried after that, but only while
	// the request deadline leaves room for the source's own timeout.
	CrossCheckSources int
	// RequestTimeout bounds one FetchOne. Zero means the caller's context only.
	RequestTimeout time.Duration
	CacheTTL       time.Duration
	// BatchDelay separates FetchMany batches.
	BatchDelay         time.Duration
	MaxBatchSymbols    int
	DefaultConcurrency int
}

func DefaultConfig() Config {
	return Config{
		MinSourcesBeforeStop: 1,
		CrossCheckSources:    1,
		RequestTimeout:       10 * time.Second,
		CacheTTL:             60 * time.Second,
		BatchDelay:           100 * time.Millisecond,
		MaxBatchSymbols:      50,
		DefaultConcurrency:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSourcesBeforeStop <= 0 {
		c.MinSourcesBeforeStop = d.MinSourcesBeforeStop
	}
	if c.CrossCheckSources < 0 {
		c.CrossCheckSources = 0
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MaxBatchSymbols <= 0 {
		c.MaxBatchSymbols = d.MaxBatchSymbols
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = d.DefaultConcurrency
	}
	return c
}

type Options struct {
	// Force skips the fresh-cache fast path.
	Force bool
}

// Result is one symbol's answer. Cached is set when the quote came from the
// cache; Degraded when that cached quote was already past its TTL.
type Result struct {
	Quote    provider.ValidatedQuote `json:"data"`
	Cached   bool                    `json:"cached"`
	Degraded bool                    `json:"degraded,omitempty"`
	Age      time.Duration           `json:"-"`
}

// BatchResult holds every requested symbol exactly once, in Results or Errors.
type BatchResult struct {
	Results map[string]Result
	Errors  map[string]error
}

type Fetcher struct {
	cfg       Config
	reg       *resilience.Registry
	sources   map[string]provider.Source
	validator *consensus.Validator
	cache     *cache.Layer
	logger    *slog.Logger

	// Retry carries the backoff hooks; tests swap the sleep.
	Retry *retry.Executor
	// Sleep waits between FetchMany batches.
	Sleep func(ctx context.Context, d time.Duration) error

	sf singleflight.Group
}

// New wires sources to their registered configs. Every source must already be
// registered in reg under its Name. cache may be nil.
func New(cfg Config, reg *resilience.Registry, sources []provider.Source, validator *consensus.Validator, c *cache.Layer, logger *slog.Logger) (*Fetcher, error) {
	if reg == nil {
		return nil, errors.New("fetcher: nil registry")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if validator == nil {
		validator = consensus.New(consensus.DefaultConfig(), reg.Priority, logger)
	}
	byName := make(map[string]provider.Source, len(sources))
	for _, s := range sources {
		name := s.Name()
		if _, ok := reg.Config(name); !ok {
			return nil, fmt.Errorf("fetcher: source %s is not registered", name)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("fetcher: duplicate source %s", name)
		}
		byName[name] = s
	}
	return &Fetcher{
		cfg:       cfg.withDefaults(),
		reg:       reg,
		sources:   byName,
		validator: validator,
		cache:     c,
		logger:    logger,
		Sleep:     sleep,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
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

// FetchOne returns a validated quote for symbol. A fresh cache entry is
// served without touching any source unless opts.Force is set. When no
// source yields a trusted quote, a cached entry of any age is served as
// degraded; otherwise the error is an *provider.AllSourcesFailedError.
func (f *Fetcher) FetchOne(ctx context.Context, symbol string, opts Options) (Result, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return Result{}, provider.Terminal(errors.New("empty symbol"))
	}

	if !opts.Force {
		if lk, ok := f.cached(ctx, symbol); ok && lk.Fresh {
			return Result{Quote: lk.Value, Cached: true, Age: lk.Age}, nil
		}
	}

	key := symbol
	if opts.Force {
		key = "force:" + symbol
	}
	// The shared fetch is detached from whichever caller started it and is
	// bounded by RequestTimeout alone; each caller stops waiting on its own ctx.
	ch := f.sf.DoChan(key, func() (any, error) {
		return f.fetchLive(context.WithoutCancel(ctx), symbol)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

func (f *Fetcher) cached(ctx context.Context, symbol string) (cache.Lookup, bool) {
	if f.cache == nil {
		return cache.Lookup{}, false
	}
	lk, ok, err := f.cache.Get(ctx, symbol)
	if err != nil {
		f.logger.Warn("cache read failed", "symbol", symbol, "err", err)
		return cache.Lookup{}, false
	}
	return lk, ok
}

func (f *Fetcher) fetchLive(ctx context.Context, symbol string) (Result, error) {
	reqCtx := ctx
	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}

	quotes, errs := f.collect(reqCtx, symbol)
	if len(quotes) > 0 {
		vq, err := f.validator.Validate(symbol, quotes)
		switch {
		case err != nil:
			errs["consensus"] = err
		case vq == nil:
			errs["consensus"] = errors.New("no usable quotes")
		default:
			if f.cache != nil {
				// The cache write outlives the request deadline.
				if err := f.cache.Set(context.WithoutCancel(ctx), symbol, *vq, f.cfg.CacheTTL); err != nil {
					f.logger.Warn("cache write failed", "symbol", symbol, "err", err)
				}
			}
			return Result{Quote: *vq}, nil
		}
	}

	if lk, ok := f.cached(context.WithoutCancel(ctx), symbol); ok {
		f.logger.Warn("serving cached quote after live fetch failed",
			"symbol", symbol, "age", lk.Age.String(), "fresh", lk.Fresh)
		return Result{Quote: lk.Value, Cached: true, Degraded: !lk.Fresh, Age: lk.Age}, nil
	}

	failure := &provider.AllSourcesFailedError{Symbol: symbol, Errors: errs}
	f.logger.Error("all sources failed", "symbol", symbol, "errors", failure.Summary())
	return Result{}, failure
}

// collect walks sources by priority until enough quotes are in hand.
// Sources are called one at a time so a symbol never holds more than one
// upstream connection.
func (f *Fetcher) collect(ctx context.Context, symbol string) ([]provider.RawQuote, map[string]error) {
	want := f.cfg.MinSourcesBeforeStop
	limit := want + f.cfg.CrossCheckSources
	var quotes []provider.RawQuote
	errs := make(map[string]error)

	for _, sc := range f.reg.Sources() {
		if len(quotes) >= limit {
			break
		}
		if ctx.Err() != nil {
			break
		}
		src, ok := f.sources[sc.Name]
		if !ok {
			continue
		}
		if len(quotes) >= want && !hasBudget(ctx, sc.Timeout) {
			continue
		}
		q, err := f.call(ctx, sc, src, symbol)
		if err != nil {
			errs[sc.Name] = err
			f.logger.Debug("source failed", "source", sc.Name, "symbol", symbol, "err", err)
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 && ctx.Err() != nil {
		errs["deadline"] = ctx.Err()
	}
	return quotes, errs
}

func hasBudget(ctx context.Context, need time.Duration) bool {
	dl, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(dl) >= need
}

// call runs one source through limiter, breaker and retry, in that order.
// Retries stop once the request deadline cannot fit another attempt, so a
// hanging source leaves time for the ones after it.
func (f *Fetcher) call(ctx context.Context, sc provider.SourceConfig, src provider.Source, symbol string) (provider.RawQuote, error) {
	if sc.WaitForRateLimit {
		if err := f.reg.Limiter.Wait(ctx, sc.Name); err != nil {
			return provider.RawQuote{}, fmt.Errorf("%s: rate limit wait: %w", sc.Name, err)
		}
	} else if d := f.reg.Limiter.TryAcquire(sc.Name); !d.Allowed {
		err := &provider.RateLimitedError{Source: sc.Name, RetryAfter: d.RetryAfter}
		f.reg.Errors.Record(sc.Name, errstats.RateLimited, err)
		return provider.RawQuote{}, err
	}

	policy := sc.Retry
	policy.AttemptTimeout = sc.Timeout
	var q provider.RawQuote
	err := f.reg.Breakers.Execute(ctx, sc.Name, func(ctx context.Context) error {
		v, err := retry.Do(ctx, f.Retry, policy, func(ctx context.Context) (provider.RawQuote, error) {
			return src.Fetch(ctx, symbol)
		})
		q = v
		return err
	})
	f.record(ctx, sc.Name, err)
	if err != nil {
		return provider.RawQuote{}, err
	}

	if q.SourceName == "" {
		q.SourceName = sc.Name
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	q.Symbol = provider.NormalizeSymbol(q.Symbol)
	if q.TimestampUTC.IsZero() {
		q.TimestampUTC = time.Now().UTC()
	}
	return q, nil
}

func (f *Fetcher) record(ctx context.Context, name string, err error) {
	var coe *provider.CircuitOpenError
	var te *provider.TerminalError
	switch {
	case err == nil:
		f.reg.Errors.Record(name, errstats.Success, nil)
	case errors.As(err, &coe):
		f.reg.Errors.Record(name, errstats.CircuitRejected, err)
	case errors.As(err, &te):
		f.reg.Errors.Record(name, errstats.Terminal, err)
	case provider.IsAttemptTimeout(err):
		f.reg.Errors.Record(name, errstats.Failure, err)
	case ctx.Err() != nil:
		// request gave up; not the source's fault
	default:
		f.reg.Errors.Record(name, errstats.Failure, err)
	}
}

// FetchMany fetches symbols in batches of at most maxConcurrency, waiting
// BatchDelay between batches. One symbol failing never affects another.
// Duplicates (after normalization) are fetched once.
func (f *Fetcher) FetchMany(ctx context.Context, symbols []string, maxConcurrency int) (BatchResult, error) {
	uniq := dedupe(symbols)
	if len(uniq) > f.cfg.MaxBatchSymbols {
		return BatchResult{}, fmt.Errorf("%w: %d requested, max %d", ErrTooManySymbols, len(uniq), f.cfg.MaxBatchSymbols)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = f.cfg.DefaultConcurrency
	}

	out := BatchResult{
		Results: make(map[string]Result, len(uniq)),
		Errors:  make(map[string]error),
	}
	var mu sync.Mutex

	for start := 0; start < len(uniq); start += maxConcurrency {
		end := min(start+maxConcurrency, len(uniq))
		if start > 0 {
			if err := f.Sleep(ctx, f.cfg.BatchDelay); err != nil {
				for _, s := range uniq[start:] {
					out.Errors[s] = err
				}
				break
			}
		}

		var g errgroup.Group
		g.SetLimit(maxConcurrency)
		for _, s := range uniq[start:end] {
			g.Go(func() error {
				r, err := f.FetchOne(ctx, s, Options{})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.Errors[s] = err
				} else {
					out.Results[s] = r
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return out, nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = provider.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (f *Fetcher) Health() errstats.Health { return f.reg.Health() }
