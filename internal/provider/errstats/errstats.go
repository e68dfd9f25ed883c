// Package errstats aggregates per-source call outcomes for observability and
// health checks.
package errstats

import (
	"sort"
	"sync"
	"time"

	"quotefeed/internal/provider/breaker"
)

type Outcome int

const (
	Success Outcome = iota
	Failure
	// Terminal means the source answered that the symbol does not exist.
	Terminal
	CircuitRejected
	RateLimited
	CircuitTrip
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Terminal:
		return "terminal"
	case CircuitRejected:
		return "circuit_rejected"
	case RateLimited:
		return "rate_limited"
	case CircuitTrip:
		return "circuit_trip"
	default:
		return "unknown"
	}
}

type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// ErrorRecord is one entry in the recent-errors ring.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Counters is a copy of one source's statistics.
type Counters struct {
	Source          string        `json:"source"`
	Attempts        int64         `json:"attempts"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	NotFound        int64         `json:"not_found"`
	CircuitRejected int64         `json:"circuit_rejected"`
	RateLimited     int64         `json:"rate_limited"`
	CircuitTrips    int64         `json:"circuit_trips"`
	RecentErrors    []ErrorRecord `json:"recent_errors"`
	WindowErrorRate float64       `json:"window_error_rate"`
	CircuitState    string        `json:"circuit_state"`
	LastSuccessAt   time.Time     `json:"last_success_at"`
	LastFailureAt   time.Time     `json:"last_failure_at"`
}

// StateReader reports a source's circuit state.
type StateReader interface {
	State(name string) breaker.State
}

const (
	DefaultWindow             = 5 * time.Minute
	DefaultErrorRateThreshold = 0.5
	DefaultMinSamples         = 5
	DefaultRingSize           = 20
)

type bucket struct {
	minute int64
	ok     int64
	failed int64
}

type sourceStats struct {
	c       Counters
	ring    []ErrorRecord
	next    int
	buckets []bucket
}

// Registry holds statistics for every source.
type Registry struct {
	Now func() time.Time
	// Window is the span the error rate is measured over.
	Window             time.Duration
	ErrorRateThreshold float64
	// MinSamples is the number of calls in Window below which the error rate is ignored.
	MinSamples int
	RingSize   int

	circuits StateReader

	mu      sync.Mutex
	sources map[string]*sourceStats
}

func New(circuits StateReader) *Registry {
	return &Registry{
		Now:                time.Now,
		Window:             DefaultWindow,
		ErrorRateThreshold: DefaultErrorRateThreshold,
		MinSamples:         DefaultMinSamples,
		RingSize:           DefaultRingSize,
		circuits:           circuits,
		sources:            make(map[string]*sourceStats),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register makes a source known so it takes part in health checks before its first call.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	r.get(name)
	r.mu.Unlock()
}

func (r *Registry) get(name string) *sourceStats {
	if r.sources == nil {
		r.sources = make(map[string]*sourceStats)
	}
	s, ok := r.sources[name]
	if !ok {
		s = &sourceStats{c: Counters{Source: name}}
		r.sources[name] = s
	}
	return s
}

// Record adds one outcome for a source. err may be nil.
func (r *Registry) Record(name string, o Outcome, err error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name)

	switch o {
	case Success:
		s.c.Attempts++
		s.c.Successes++
		s.c.LastSuccessAt = now
		r.bump(s, now, false)
	case Terminal:
		s.c.Attempts++
		s.c.NotFound++
		r.bump(s, now, false)
	case Failure:
		s.c.Attempts++
		s.c.Failures++
		s.c.LastFailureAt = now
		r.bump(s, now, true)
	case CircuitRejected:
		s.c.CircuitRejected++
	case RateLimited:
		s.c.RateLimited++
	case CircuitTrip:
		s.c.CircuitTrips++
	}
	if err != nil && o != Success {
		r.push(s, ErrorRecord{At: now, Message: err.Error()})
	}
}

func (r *Registry) ringSize() int {
	if r.RingSize > 0 {
		return r.RingSize
	}
	return DefaultRingSize
}

func (r *Registry) push(s *sourceStats, rec ErrorRecord) {
	n := r.ringSize()
	if len(s.ring) < n {
		s.ring = append(s.ring, rec)
		return
	}
	s.ring[s.next%n] = rec
	s.next = (s.next + 1) % n
}

func (r *Registry) window() time.Duration {
	if r.Window > 0 {
		return r.Window
	}
	return DefaultWindow
}

func (r *Registry) bump(s *sourceStats, now time.Time, failed bool) {
	m := now.Unix() / 60
	if n := len(s.buckets); n == 0 || s.buckets[n-1].minute != m {
		s.buckets = append(s.buckets, bucket{minute: m})
	}
	b := &s.buckets[len(s.buckets)-1]
	if failed {
		b.failed++
	} else {
		b.ok++
	}
	r.prune(s, now)
}

func (r *Registry) prune(s *sourceStats, now time.Time) {
	oldest := now.Add(-r.window()).Unix() / 60
	i := 0
	for ; i < len(s.buckets); i++ {
		if s.buckets[i].minute > oldest {
			break
		}
	}
	if i > 0 {
		s.buckets = append(s.buckets[:0], s.buckets[i:]...)
	}
}

func (r *Registry) windowCounts(s *sourceStats, now time.Time) (ok, failed int64) {
	r.prune(s, now)
	for _, b := range s.buckets {
		ok += b.ok
		failed += b.failed
	}
	return ok, failed
}

// recent returns the ring oldest first.
func (r *Registry) recent(s *sourceStats) []ErrorRecord {
	out := make([]ErrorRecord, 0, len(s.ring))
	if len(s.ring) < r.ringSize() {
		return append(out, s.ring...)
	}
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}

func (r *Registry) snapshot(s *sourceStats, now time.Time) Counters {
	c := s.c
	c.RecentErrors = r.recent(s)
	ok, failed := r.windowCounts(s, now)
	if total := ok + failed; total > 0 {
		c.WindowErrorRate = float64(failed) / float64(total)
	}
	if r.circuits != nil {
		c.CircuitState = r.circuits.State(c.Source).String()
	}
	return c
}

func (r *Registry) Stats(name string) Counters {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(r.get(name), now)
}

// Snapshot returns counters for every known source sorted by name.
func (r *Registry) Snapshot() []Counters {
	now := r.now()
	r.mu.Lock()
	out := make([]Counters, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, r.snapshot(s, now))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Health is unhealthy when every source's circuit is open, degraded when any
// is open or the error rate over Window exceeds ErrorRateThreshold, and
// healthy otherwise.
func (r *Registry) Health() Health {
	now := r.now()
	r.mu.Lock()
	names := make([]string, 0, len(r.sources))
	var ok, failed int64
	for name, s := range r.sources {
		names = append(names, name)
		o, f := r.windowCounts(s, now)
		ok += o
		failed += f
	}
	r.mu.Unlock()

	if len(names) == 0 {
		return Unhealthy
	}
	open := 0
	if r.circuits != nil {
		for _, n := range names {
			if r.circuits.State(n) == breaker.Open {
				open++
			}
		}
	}
	if open == len(names) {
		return Unhealthy
	}
	if open > 0 {
		return Degraded
	}
	total := ok + failed
	if total > 0 && total >= int64(r.MinSamples) && float64(failed)/float64(total) > r.ErrorRateThreshold {
		return Degraded
	}
	return Healthy
}

// Reset clears one source's statistics.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	if _, ok := r.sources[name]; ok {
		r.sources[name] = &sourceStats{c: Counters{Source: name}}
	}
	r.mu.Unlock()
}

func (r *Registry) ResetAll() {
	r.mu.Lock()
	for name := range r.sources {
		r.sources[name] = &sourceStats{c: Counters{Source: name}}
	}
	r.mu.Unlock()
}
