package consensus

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"quotefeed/internal/provider"
)

var prio = map[string]int{"isyatirim": 1, "yahoo": 2, "bigpara": 3, "mynet": 4}

func priority(name string) int { return prio[name] }

func q(source string, price float64, ts time.Time) provider.RawQuote {
	return provider.RawQuote{Symbol: "THYAO", Price: price, SourceName: source, TimestampUTC: ts}
}

func TestValidate_EmptyReturnsNil(t *testing.T) {
	v := New(DefaultConfig(), priority, nil)
	got, err := v.Validate("THYAO", nil)
	if err != nil || got != nil {
		t.Fatalf("want nil, nil; got %+v, %v", got, err)
	}
}

func TestValidate_SingleQuoteFullConfidence(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := New(DefaultConfig(), priority, nil)
	got, err := v.Validate("THYAO", []provider.RawQuote{q("yahoo", 312.5, t1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Confidence != 1.0 || got.Price != 312.5 || len(got.ContributingSources) != 1 || got.ContributingSources[0] != "yahoo" {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestValidate_IdenticalPricesFullConfidence(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := New(DefaultConfig(), priority, nil)
	got, err := v.Validate("THYAO", []provider.RawQuote{
		q("mynet", 100.05, t1),
		q("yahoo", 100.05, t1),
		q("bigpara", 100.05, t1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Confidence != 1.0 {
		t.Fatalf("want confidence 1.0, got %v", got.Confidence)
	}
	if got.SourceName != "yahoo" {
		t.Fatalf("want highest priority source yahoo, got %s", got.SourceName)
	}
	if len(got.ContributingSources) != 3 {
		t.Fatalf("want 3 contributing, got %v", got.ContributingSources)
	}
}

func TestValidate_OutlierExcludedAndConfidencePenalized(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := New(Config{PenaltyFactor: 1}, priority, nil)
	got, err := v.Validate("THYAO", []provider.RawQuote{
		q("isyatirim", 100, t1),
		q("yahoo", 100, t1),
		q("bigpara", 100, t1),
		q("mynet", 150, t1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Confidence >= 1.0 {
		t.Fatalf("want confidence < 1, got %v", got.Confidence)
	}
	for _, s := range got.ContributingSources {
		if s == "mynet" {
			t.Fatalf("outlier should be excluded: %v", got.ContributingSources)
		}
	}
	if len(got.ContributingSources) != 3 {
		t.Fatalf("want 3 contributing, got %v", got.ContributingSources)
	}
}

func TestValidate_ConfidenceDecreasesWithDispersion(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := New(Config{PenaltyFactor: 10}, priority, nil)
	prev := 1.0
	for _, spread := range []float64{0.01, 0.1, 0.5, 1, 2, 4} {
		got, err := v.Validate("THYAO", []provider.RawQuote{
			q("yahoo", 100, t1),
			q("bigpara", 100+spread, t1),
		})
		if err != nil {
			t.Fatalf("spread %v: unexpected error: %v", spread, err)
		}
		if !(got.Confidence < prev) {
			t.Fatalf("spread %v: confidence %v not below previous %v", spread, got.Confidence, prev)
		}
		prev = got.Confidence
	}
}

func TestValidate_CloseSourcesHighConfidencePriorityWins(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := New(DefaultConfig(), priority, nil)
	got, err := v.Validate("THYAO", []provider.RawQuote{
		q("bigpara", 100.05, t1),
		q("yahoo", 100.00, t1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Price != 100.00 || got.SourceName != "yahoo" {
		t.Fatalf("want yahoo 100.00, got %+v", got)
	}
	if got.Confidence <= 0.95 {
		t.Fatalf("want confidence > 0.95, got %v", got.Confidence)
	}
	if len(got.ContributingSources) != 2 {
		t.Fatalf("want both sources contributing, got %v", got.ContributingSources)
	}
}

func TestValidate_HighPriorityOutlierStillChosenByDefault(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := []provider.RawQuote{
		q("isyatirim", 150, t1),
		q("yahoo", 100, t1),
		q("bigpara", 100, t1),
		q("mynet", 100, t1),
	}

	v := New(Config{PenaltyFactor: 1}, priority, nil)
	got, err := v.Validate("THYAO", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SourceName != "isyatirim" || got.Price != 150 {
		t.Fatalf("default policy should keep the highest priority source: %+v", got)
	}

	v = New(Config{PenaltyFactor: 1, DiscountOutliers: true}, priority, nil)
	got, err = v.Validate("THYAO", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SourceName != "yahoo" || got.Price != 100 {
		t.Fatalf("discount policy should pick the best in-band source: %+v", got)
	}
}

func TestValidate_EqualPriorityPrefersNewest(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	v := New(DefaultConfig(), func(string) int { return 1 }, nil)
	got, err := v.Validate("THYAO", []provider.RawQuote{
		q("yahoo", 100.0, t1),
		q("bigpara", 100.1, t2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SourceName != "bigpara" {
		t.Fatalf("want newest quote, got %+v", got)
	}
}

func TestValidate_LowConfidenceIsConsensusFailure(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := New(Config{PenaltyFactor: 10, MinConfidence: 0.5}, priority, nil)
	_, err := v.Validate("THYAO", []provider.RawQuote{
		q("yahoo", 100, t1),
		q("bigpara", 200, t1),
	})
	var cf *provider.ConsensusFailure
	if !errors.As(err, &cf) {
		t.Fatalf("want ConsensusFailure, got %v", err)
	}
	if cf.Symbol != "THYAO" || cf.Min != 0.5 {
		t.Fatalf("unexpected failure: %+v", cf)
	}
}

func TestValidate_HighVarianceLogsWarning(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	v := New(Config{DispersionThreshold: 0.05, PenaltyFactor: 1}, priority, logger)

	got, err := v.Validate("THYAO", []provider.RawQuote{
		q("yahoo", 100, t1),
		q("bigpara", 130, t1),
	})
	if err != nil || got == nil {
		t.Fatalf("want result, got %+v, %v", got, err)
	}
	if !strings.Contains(buf.String(), "high price variance") || !strings.Contains(buf.String(), "symbol=THYAO") {
		t.Fatalf("missing warning, log: %s", buf.String())
	}
}

func TestValidate_DropsUnusableQuotes(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := New(DefaultConfig(), priority, nil)
	other := q("isyatirim", 98.1, t1)
	other.Symbol = "GARAN"
	got, err := v.Validate("thyao", []provider.RawQuote{
		other,
		q("yahoo", math.NaN(), t1),
		q("bigpara", -1, t1),
		q("mynet", 312.5, t1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SourceName != "mynet" || got.Confidence != 1.0 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestLatestBySource_NewestWins(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	out := LatestBySource([]provider.RawQuote{
		q("yahoo", 11, t2),
		q("yahoo", 10, t1),
		q("bigpara", 12, t1),
		q("bigpara", 13, t1),
	})
	if len(out) != 2 {
		t.Fatalf("want 2, got %d: %+v", len(out), out)
	}
	if out[0].SourceName != "yahoo" || out[0].Price != 11 {
		t.Fatalf("unexpected yahoo row: %+v", out[0])
	}
	if out[1].SourceName != "bigpara" || out[1].Price != 13 {
		t.Fatalf("equal timestamps: later input should win: %+v", out[1])
	}
}

func TestLatestBySource_ZeroTimestampFilled(t *testing.T) {
	out := LatestBySource([]provider.RawQuote{{Symbol: "THYAO", Price: 1, SourceName: "yahoo"}})
	if len(out) != 1 || out[0].TimestampUTC.IsZero() {
		t.Fatalf("timestamp not filled: %+v", out)
	}
}
