// Package yahooadapter exposes the Yahoo chart client as a provider.Source.
package yahooadapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"quotefeed/internal/provider"
	"quotefeed/internal/provider/yahoo"
)

// QuoteGetter is the part of *yahoo.Client the adapter uses.
type QuoteGetter interface {
	GetQuote(ctx context.Context, ticker string, opts ...yahoo.ClientOption) (*yahoo.Quote, error)
}

type Config struct {
	Name string // default: yahoo
	// Suffix is appended to symbols without a dot, e.g. ".IS" for Borsa Istanbul.
	Suffix string
	// SymbolMap overrides the ticker for specific symbols, e.g. "XU100" -> "XU100.IS".
	SymbolMap map[string]string
}

type Adapter struct {
	cfg    Config
	client QuoteGetter
	now    func() time.Time
}

func New(cfg Config, client QuoteGetter) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "yahoo"
	}
	return &Adapter{cfg: cfg, client: client, now: time.Now}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) ticker(symbol string) string {
	if v := a.cfg.SymbolMap[symbol]; v != "" {
		return v
	}
	if a.cfg.Suffix != "" && !strings.Contains(symbol, ".") {
		return symbol + a.cfg.Suffix
	}
	return symbol
}

func (a *Adapter) Fetch(ctx context.Context, symbol string) (provider.RawQuote, error) {
	q, err := a.client.GetQuote(ctx, a.ticker(symbol))
	if err != nil {
		return provider.RawQuote{}, classify(err)
	}
	if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) || q.Price <= 0 {
		return provider.RawQuote{}, provider.Retryable(fmt.Errorf("yahoo: implausible price %v for %s", q.Price, symbol))
	}

	ts := q.Time
	if ts.IsZero() {
		ts = a.now().UTC()
	}
	out := provider.RawQuote{
		Symbol:       symbol,
		Price:        q.Price,
		Volume:       q.Volume,
		High:         q.High,
		Low:          q.Low,
		Open:         q.Open,
		TimestampUTC: ts,
		SourceName:   a.cfg.Name,
	}
	if q.PreviousClose > 0 {
		out.Change = q.Price - q.PreviousClose
		out.ChangePercent = out.Change / q.PreviousClose * 100
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, yahoo.ErrSymbolNotFound) {
		return provider.Terminal(err)
	}
	var se *yahoo.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusBadRequest) {
		return provider.Terminal(err)
	}
	return provider.Retryable(err)
}
