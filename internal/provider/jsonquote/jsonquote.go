// Package jsonquote reads quotes from any HTTP endpoint that answers with a
// JSON object per symbol. Field locations are configured as dot paths.
package jsonquote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quotefeed/internal/httpx"
	"quotefeed/internal/provider"
)

// Fields are dot paths into the response, e.g. "data.last".
type Fields struct {
	Price         string
	Change        string
	ChangePercent string
	Volume        string
	High          string
	Low           string
	Open          string
	// Time accepts epoch seconds, epoch millis or RFC3339.
	Time string
}

// Range is the plausible price band for a symbol. A zero bound is open.
type Range struct {
	Min float64
	Max float64
}

func (r Range) contains(v float64) bool {
	if r.Min > 0 && v < r.Min {
		return false
	}
	if r.Max > 0 && v > r.Max {
		return false
	}
	return true
}

type Config struct {
	Name string
	// URL may contain {symbol}; otherwise the symbol is sent as SymbolParam.
	URL         string
	Method      string
	Headers     map[string]string
	SymbolParam string
	SymbolMap   map[string]string
	Fields      Fields
	// DecimalComma parses "1.234,56" style numbers.
	DecimalComma bool
	// Ranges rejects prices outside a symbol's band as a transient parse miss.
	Ranges map[string]Range
}

type Provider struct {
	cfg    Config
	client *httpx.Client
	now    func() time.Time
}

func New(cfg Config, hc *httpx.Client) *Provider {
	if cfg.Name == "" {
		cfg.Name = "jsonquote"
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.SymbolParam == "" {
		cfg.SymbolParam = "symbol"
	}
	if cfg.Fields.Price == "" {
		cfg.Fields.Price = "price"
	}
	return &Provider{cfg: cfg, client: hc, now: time.Now}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) requestURL(key string) (string, error) {
	if strings.Contains(p.cfg.URL, "{symbol}") {
		return strings.ReplaceAll(p.cfg.URL, "{symbol}", url.PathEscape(key)), nil
	}
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(p.cfg.SymbolParam, key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Provider) Fetch(ctx context.Context, symbol string) (provider.RawQuote, error) {
	if p.cfg.URL == "" {
		return provider.RawQuote{}, provider.Terminal(fmt.Errorf("%s: missing URL", p.cfg.Name))
	}
	key := symbol
	if v := p.cfg.SymbolMap[symbol]; v != "" {
		key = v
	}
	u, err := p.requestURL(key)
	if err != nil {
		return provider.RawQuote{}, provider.Terminal(fmt.Errorf("%s: bad URL: %w", p.cfg.Name, err))
	}

	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, u, http.NoBody)
	if err != nil {
		return provider.RawQuote{}, provider.Terminal(err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return provider.RawQuote{}, httpx.Classify(err)
	}
	defer resp.Body.Close()
	if err := httpx.CheckStatus(resp); err != nil {
		return provider.RawQuote{}, httpx.Classify(err)
	}

	var body any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return provider.RawQuote{}, provider.Retryable(fmt.Errorf("%s: decode: %w", p.cfg.Name, err))
	}
	return p.parse(symbol, body)
}

func (p *Provider) parse(symbol string, body any) (provider.RawQuote, error) {
	f := p.cfg.Fields
	price, ok, err := p.number(body, f.Price)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("field %q missing", f.Price)
		}
		return provider.RawQuote{}, provider.Retryable(fmt.Errorf("%s: price for %s: %w", p.cfg.Name, symbol, err))
	}
	if price <= 0 {
		return provider.RawQuote{}, provider.Retryable(fmt.Errorf("%s: non-positive price %v for %s", p.cfg.Name, price, symbol))
	}
	if r, ok := p.cfg.Ranges[symbol]; ok && !r.contains(price) {
		return provider.RawQuote{}, provider.Retryable(fmt.Errorf("%s: price %v for %s outside [%v, %v]", p.cfg.Name, price, symbol, r.Min, r.Max))
	}

	q := provider.RawQuote{
		Symbol:     symbol,
		Price:      price,
		SourceName: p.cfg.Name,
	}
	// Optional fields: a malformed value is dropped, not fatal.
	for _, opt := range []struct {
		path string
		dst  *float64
	}{
		{f.Change, &q.Change},
		{f.ChangePercent, &q.ChangePercent},
		{f.Volume, &q.Volume},
		{f.High, &q.High},
		{f.Low, &q.Low},
		{f.Open, &q.Open},
	} {
		if v, ok, err := p.number(body, opt.path); err == nil && ok {
			*opt.dst = v
		}
	}
	q.TimestampUTC = p.now().UTC()
	if f.Time != "" {
		if ts, ok := parseTime(lookup(body, f.Time)); ok {
			q.TimestampUTC = ts
		}
	}
	return q, nil
}

// lookup follows a dot path through nested objects. Numeric segments index arrays.
func lookup(v any, path string) any {
	if path == "" {
		return nil
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

func (p *Provider) number(body any, path string) (float64, bool, error) {
	if path == "" {
		return 0, false, nil
	}
	var s string
	switch v := lookup(body, path).(type) {
	case nil:
		return 0, false, nil
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
		if p.cfg.DecimalComma {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	default:
		return 0, false, fmt.Errorf("unexpected type %T at %q", v, path)
	}
	if s == "" {
		return 0, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false, fmt.Errorf("parse %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, true, nil
}

func parseTime(v any) (time.Time, bool) {
	var n int64
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		n = i
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC(), true
		}
		i, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		n = i
	default:
		return time.Time{}, false
	}
	if n <= 0 {
		return time.Time{}, false
	}
	if n > 1_000_000_000_000 { // ms
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
