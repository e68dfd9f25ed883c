package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the rolling window a source's RateLimit applies to.
const DefaultWindow = 60 * time.Second

// Decision is the outcome of TryAcquire.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterMs is RetryAfter rounded up to whole milliseconds.
func (d Decision) RetryAfterMs() int64 {
	ms := d.RetryAfter.Milliseconds()
	if d.RetryAfter%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// Limiter keeps a rolling log of request timestamps per source.
// A request is allowed when fewer than limit requests were recorded in the
// last Window, and at least minInterval has passed since the previous one.
type Limiter struct {
	Window time.Duration
	Now    func() time.Time

	mu      sync.RWMutex
	sources map[string]*window
}

type window struct {
	mu          sync.Mutex
	limit       int
	minInterval time.Duration
	stamps      []time.Time
	last        time.Time
}

func New() *Limiter {
	return &Limiter{Window: DefaultWindow, Now: time.Now, sources: make(map[string]*window)}
}

// Register sets the limits for a source. limit <= 0 means unlimited.
func (l *Limiter) Register(name string, limit int, minInterval time.Duration) {
	w := l.get(name)
	w.mu.Lock()
	w.limit = limit
	w.minInterval = minInterval
	w.mu.Unlock()
}

func (l *Limiter) get(name string) *window {
	l.mu.RLock()
	w, ok := l.sources[name]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sources == nil {
		l.sources = make(map[string]*window)
	}
	if w, ok = l.sources[name]; !ok {
		w = &window{}
		l.sources[name] = w
	}
	return w
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Limiter) span() time.Duration {
	if l.Window > 0 {
		return l.Window
	}
	return DefaultWindow
}

// TryAcquire records a request for name if one is allowed right now.
// The slot is taken before the call is made, so concurrent bursts stay bounded.
func (l *Limiter) TryAcquire(name string) Decision {
	w := l.get(name)
	now := l.now()
	span := l.span()

	w.mu.Lock()
	defer w.mu.Unlock()

	cut := now.Add(-span)
	i := 0
	for ; i < len(w.stamps); i++ {
		if w.stamps[i].After(cut) {
			break
		}
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}

	var wait time.Duration
	if w.limit > 0 && len(w.stamps) >= w.limit {
		wait = w.stamps[0].Add(span).Sub(now)
	}
	if w.minInterval > 0 && !w.last.IsZero() {
		if d := w.last.Add(w.minInterval).Sub(now); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return Decision{Allowed: false, RetryAfter: wait}
	}

	w.stamps = append(w.stamps, now)
	w.last = now
	return Decision{Allowed: true}
}

// Wait blocks until a slot is acquired or ctx is done.
func (l *Limiter) Wait(ctx context.Context, name string) error {
	for {
		d := l.TryAcquire(name)
		if d.Allowed {
			return nil
		}
		wait := d.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage returns how many requests are recorded in the current window and the limit.
func (l *Limiter) Usage(name string) (used, limit int) {
	w := l.get(name)
	cut := l.now().Add(-l.span())
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ts := range w.stamps {
		if ts.After(cut) {
			used++
		}
	}
	return used, w.limit
}

// Reset forgets the recorded requests of a source; its limits are kept.
func (l *Limiter) Reset(name string) {
	w := l.get(name)
	w.mu.Lock()
	w.stamps = nil
	w.last = time.Time{}
	w.mu.Unlock()
}

// ResetAll forgets recorded requests for every source.
func (l *Limiter) ResetAll() {
	l.mu.RLock()
	names := make([]string, 0, len(l.sources))
	for n := range l.sources {
		names = append(names, n)
	}
	l.mu.RUnlock()
	for _, n := range names {
		l.Reset(n)
	}
}
