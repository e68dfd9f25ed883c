// Package consensus reconciles quotes for one symbol from several sources
// into a single trusted value with a confidence score.
package consensus

import (
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"quotefeed/internal/provider"
)

type Config struct {
	// DispersionThreshold is the relative dispersion (stddev/mean) above which
	// a high-variance warning is logged.
	DispersionThreshold float64
	// PenaltyFactor scales relative dispersion into lost confidence.
	PenaltyFactor float64
	// MinConfidence below which the result is rejected as a ConsensusFailure.
	MinConfidence float64
	// DiscountOutliers picks the best-priority source within one standard
	// deviation instead of the best-priority source overall.
	DiscountOutliers bool
}

func DefaultConfig() Config {
	return Config{
		DispersionThreshold: 0.05,
		PenaltyFactor:       10,
		MinConfidence:       0.1,
	}
}

// Validator is safe for concurrent use; it holds no mutable state.
type Validator struct {
	cfg      Config
	priority func(source string) int
	logger   *slog.Logger
}

// New returns a Validator. priority maps a source name to its priority
// (lower is preferred); nil treats all sources as equal.
func New(cfg Config, priority func(string) int, logger *slog.Logger) *Validator {
	if cfg.PenaltyFactor <= 0 {
		cfg.PenaltyFactor = DefaultConfig().PenaltyFactor
	}
	if priority == nil {
		priority = func(string) int { return 0 }
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Validator{cfg: cfg, priority: priority, logger: logger}
}

// Validate returns nil, nil when there is nothing usable to validate.
func (v *Validator) Validate(symbol string, quotes []provider.RawQuote) (*provider.ValidatedQuote, error) {
	usable := LatestBySource(usableQuotes(symbol, quotes))
	if len(usable) == 0 {
		return nil, nil
	}
	v.rank(usable)

	if len(usable) == 1 {
		return &provider.ValidatedQuote{
			RawQuote:            usable[0],
			Confidence:          1,
			ContributingSources: []string{usable[0].SourceName},
		}, nil
	}

	mean, sd := meanStdDev(usable)
	rd := 0.0
	if mean > 0 {
		rd = sd / mean
	}
	confidence := clamp(1-rd*v.cfg.PenaltyFactor, 0, 1)

	tol := sd + 1e-9*mean
	contributing := make([]string, 0, len(usable))
	inBand := make(map[string]bool, len(usable))
	for _, q := range usable {
		if math.Abs(q.Price-mean) <= tol {
			contributing = append(contributing, q.SourceName)
			inBand[q.SourceName] = true
		}
	}

	chosen := usable[0]
	if v.cfg.DiscountOutliers && !inBand[chosen.SourceName] {
		for _, q := range usable {
			if inBand[q.SourceName] {
				chosen = q
				break
			}
		}
	}

	if v.cfg.DispersionThreshold > 0 && rd > v.cfg.DispersionThreshold {
		v.logger.Warn("high price variance across sources",
			"symbol", symbol,
			"relative_dispersion", rd,
			"threshold", v.cfg.DispersionThreshold,
			"mean", mean,
			"chosen_source", chosen.SourceName,
			"sources", len(usable),
		)
	}

	if confidence < v.cfg.MinConfidence {
		return nil, &provider.ConsensusFailure{Symbol: symbol, Confidence: confidence, Min: v.cfg.MinConfidence}
	}

	return &provider.ValidatedQuote{
		RawQuote:            chosen,
		Confidence:          confidence,
		ContributingSources: contributing,
	}, nil
}

// rank orders quotes by source priority, then newest first.
func (v *Validator) rank(qs []provider.RawQuote) {
	sort.SliceStable(qs, func(i, j int) bool {
		pi, pj := v.priority(qs[i].SourceName), v.priority(qs[j].SourceName)
		if pi != pj {
			return pi < pj
		}
		return qs[i].TimestampUTC.After(qs[j].TimestampUTC)
	})
}

func usableQuotes(symbol string, qs []provider.RawQuote) []provider.RawQuote {
	want := provider.NormalizeSymbol(symbol)
	out := make([]provider.RawQuote, 0, len(qs))
	for _, q := range qs {
		if provider.NormalizeSymbol(q.Symbol) != want {
			continue
		}
		if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) || q.Price <= 0 {
			continue
		}
		out = append(out, q)
	}
	return out
}

// LatestBySource collapses quotes to one per source keeping the newest.
// For equal timestamps the later input wins. Zero timestamps are replaced
// with time.Now().UTC(). Input order of first appearance is preserved.
func LatestBySource(qs []provider.RawQuote) []provider.RawQuote {
	now := time.Now().UTC()
	idx := make(map[string]int, len(qs))
	out := make([]provider.RawQuote, 0, len(qs))
	for _, q := range qs {
		if q.TimestampUTC.IsZero() {
			q.TimestampUTC = now
		}
		i, ok := idx[q.SourceName]
		if !ok {
			idx[q.SourceName] = len(out)
			out = append(out, q)
			continue
		}
		if !q.TimestampUTC.Before(out[i].TimestampUTC) {
			out[i] = q
		}
	}
	return out
}

func meanStdDev(qs []provider.RawQuote) (mean, sd float64) {
	same := true
	for _, q := range qs[1:] {
		if q.Price != qs[0].Price {
			same = false
			break
		}
	}
	if same {
		return qs[0].Price, 0
	}
	n := float64(len(qs))
	for _, q := range qs {
		mean += q.Price
	}
	mean /= n
	var ss float64
	for _, q := range qs {
		d := q.Price - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / n)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
