// Package resilience bundles the per-source guards shared by every fetch:
// rate limiters, circuit breakers and error statistics. A Registry is built
// explicitly and handed to the fetcher, so tests get isolated instances.
package resilience

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quotefeed/internal/provider"
	"quotefeed/internal/provider/breaker"
	"quotefeed/internal/provider/errstats"
	"quotefeed/internal/provider/ratelimit"
)

type Registry struct {
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Errors   *errstats.Registry

	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]provider.SourceConfig
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		Limiter:  ratelimit.New(),
		Breakers: breaker.NewRegistry(),
		logger:   logger,
		sources:  make(map[string]provider.SourceConfig),
	}
	r.Errors = errstats.New(r.Breakers)
	r.Breakers.OnStateChange = r.onStateChange
	return r
}

// SetClock points every component at the same clock.
func (r *Registry) SetClock(now func() time.Time) {
	r.Limiter.Now = now
	r.Breakers.Now = now
	r.Errors.Now = now
}

func (r *Registry) onStateChange(source string, from, to breaker.State) {
	switch to {
	case breaker.Open:
		r.Errors.Record(source, errstats.CircuitTrip, nil)
		r.logger.Warn("circuit opened", "source", source, "from", from.String(), "to", to.String())
	default:
		r.logger.Info("circuit state change", "source", source, "from", from.String(), "to", to.String())
	}
}

// Register adds a source. Names must be unique.
func (r *Registry) Register(cfg provider.SourceConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("register source: empty name")
	}
	cfg = cfg.WithDefaults()

	r.mu.Lock()
	if _, dup := r.sources[cfg.Name]; dup {
		r.mu.Unlock()
		return fmt.Errorf("register source %s: already registered", cfg.Name)
	}
	r.sources[cfg.Name] = cfg
	r.mu.Unlock()

	r.Limiter.Register(cfg.Name, cfg.RateLimit, cfg.MinInterval)
	r.Breakers.Register(cfg.Name, cfg.Circuit)
	r.Errors.Register(cfg.Name)
	return nil
}

func (r *Registry) Config(name string) (provider.SourceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.sources[name]
	return cfg, ok
}

// Sources returns the registered configs ordered by priority, then name.
func (r *Registry) Sources() []provider.SourceConfig {
	r.mu.RLock()
	out := make([]provider.SourceConfig, 0, len(r.sources))
	for _, c := range r.sources {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Priority returns a source's priority, or a value after every registered one.
func (r *Registry) Priority(name string) int {
	if c, ok := r.Config(name); ok {
		return c.Priority
	}
	return int(^uint(0) >> 1)
}

func (r *Registry) Health() errstats.Health { return r.Errors.Health() }

// Reset clears breaker, limiter and statistics for one source.
func (r *Registry) Reset(name string) {
	r.Breakers.Reset(name)
	r.Limiter.Reset(name)
	r.Errors.Reset(name)
}

func (r *Registry) ResetAll() {
	r.Breakers.ResetAll()
	r.Limiter.ResetAll()
	r.Errors.ResetAll()
}
