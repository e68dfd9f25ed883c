package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"quotefeed/internal/provider"
)

// Registry owns one Breaker per source name.
type Registry struct {
	Now func() time.Time
	// OnStateChange is called after every transition, outside any lock.
	OnStateChange func(source string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{Now: time.Now, breakers: make(map[string]*Breaker)}
}

// Register installs a breaker for name with policy, replacing any previous one.
func (r *Registry) Register(name string, policy provider.CircuitPolicy) *Breaker {
	b := r.newBreaker(name, policy)
	r.mu.Lock()
	if r.breakers == nil {
		r.breakers = make(map[string]*Breaker)
	}
	r.breakers[name] = b
	r.mu.Unlock()
	return b
}

func (r *Registry) newBreaker(name string, policy provider.CircuitPolicy) *Breaker {
	if policy.FailureThreshold <= 0 {
		policy = provider.DefaultCircuitPolicy()
	}
	b := &Breaker{
		name:         name,
		policy:       policy,
		now:          r.now,
		resetTimeout: policy.ResetTimeout,
		notify: func(source string, from, to State) {
			if r.OnStateChange != nil {
				r.OnStateChange(source, from, to)
			}
		},
	}
	return b
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Get returns the breaker for name, creating one with the default policy on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breakers == nil {
		r.breakers = make(map[string]*Breaker)
	}
	if b, ok = r.breakers[name]; !ok {
		b = r.newBreaker(name, provider.DefaultCircuitPolicy())
		r.breakers[name] = b
	}
	return b
}

func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

func (r *Registry) State(name string) State { return r.Get(name).State() }

func (r *Registry) Stats(name string) Stats { return r.Get(name).Stats() }

// All returns stats for every known breaker sorted by source name.
func (r *Registry) All() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (r *Registry) Reset(name string) { r.Get(name).Reset() }

func (r *Registry) ResetAll() {
	r.mu.RLock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.RUnlock()
	for _, b := range bs {
		b.Reset()
	}
}
