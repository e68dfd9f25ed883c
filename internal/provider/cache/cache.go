package cache

import (
	"context"
	"fmt"
	"time"

	"quotefeed/internal/provider"
)

// Entry is what a Store keeps for one symbol.
type Entry struct {
	Quote provider.ValidatedQuote `json:"quote"`
	SetAt time.Time               `json:"set_at"`
	TTL   time.Duration           `json:"ttl"`
}

// Store is a key/value store with expiry. Retain is how long the entry must
// stay readable, which is longer than its freshness TTL so stale reads work.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, retain time.Duration) error
	Delete(ctx context.Context, key string) error
	// Sweep drops entries past their retention and reports how many went.
	Sweep(ctx context.Context) (int, error)
}

// Lookup is the result of a cache hit.
type Lookup struct {
	Value provider.ValidatedQuote
	Fresh bool
	SetAt time.Time
	Age   time.Duration
}

// DefaultStaleGrace is how long an expired entry stays available for stale reads.
const DefaultStaleGrace = 10 * time.Minute

// Layer is the last validated quote per symbol, with fresh/stale distinction.
type Layer struct {
	Store      Store
	Now        func() time.Time
	StaleGrace time.Duration
	KeyPrefix  string
}

func NewLayer(store Store) *Layer {
	return &Layer{Store: store, Now: time.Now, StaleGrace: DefaultStaleGrace, KeyPrefix: "quote:"}
}

func (l *Layer) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Layer) key(symbol string) string { return l.KeyPrefix + symbol }

// Get returns the cached quote for symbol. Fresh is false exactly when
// now > SetAt + TTL. ok is false on a miss.
func (l *Layer) Get(ctx context.Context, symbol string) (Lookup, bool, error) {
	e, ok, err := l.Store.Get(ctx, l.key(symbol))
	if err != nil {
		return Lookup{}, false, fmt.Errorf("cache get %s: %w", symbol, err)
	}
	if !ok {
		return Lookup{}, false, nil
	}
	if e.Quote.Symbol != symbol {
		_ = l.Store.Delete(ctx, l.key(symbol))
		return Lookup{}, false, nil
	}
	now := l.now()
	return Lookup{
		Value: e.Quote,
		Fresh: !now.After(e.SetAt.Add(e.TTL)),
		SetAt: e.SetAt,
		Age:   now.Sub(e.SetAt),
	}, true, nil
}

// Set stores v for symbol. The last writer wins.
func (l *Layer) Set(ctx context.Context, symbol string, v provider.ValidatedQuote, ttl time.Duration) error {
	if v.Symbol != symbol {
		return fmt.Errorf("cache set %s: quote is for %s", symbol, v.Symbol)
	}
	e := Entry{Quote: v, SetAt: l.now(), TTL: ttl}
	if err := l.Store.Set(ctx, l.key(symbol), e, ttl+l.StaleGrace); err != nil {
		return fmt.Errorf("cache set %s: %w", symbol, err)
	}
	return nil
}

func (l *Layer) Delete(ctx context.Context, symbol string) error {
	return l.Store.Delete(ctx, l.key(symbol))
}

func (l *Layer) Sweep(ctx context.Context) (int, error) { return l.Store.Sweep(ctx) }

// Health pings the store when it has a remote backend. In-process stores
// are always healthy.
func (l *Layer) Health(ctx context.Context) error {
	if h, ok := l.Store.(interface{ Health(context.Context) error }); ok {
		return h.Health(ctx)
	}
	return nil
}
