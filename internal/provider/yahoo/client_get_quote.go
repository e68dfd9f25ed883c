package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSymbolNotFound is returned when Yahoo reports the ticker does not exist.
var ErrSymbolNotFound = errors.New("yahoo: symbol not found")

// StatusError is a non-200 response from the chart API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("yahoo: unexpected status code %d: %s", e.StatusCode, e.Body)
}

// Quote is the latest market snapshot for one ticker.
type Quote struct {
	Symbol        string
	Currency      string
	Price         float64
	PreviousClose float64
	Open          float64
	High          float64
	Low           float64
	Volume        float64
	Time          time.Time
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol               string   `json:"symbol"`
				Currency             string   `json:"currency"`
				RegularMarketPrice   *float64 `json:"regularMarketPrice"`
				ChartPreviousClose   *float64 `json:"chartPreviousClose"`
				PreviousClose        *float64 `json:"previousClose"`
				RegularMarketDayHigh *float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLow  *float64 `json:"regularMarketDayLow"`
				RegularMarketVolume  *float64 `json:"regularMarketVolume"`
				RegularMarketTime    int64    `json:"regularMarketTime"`
			} `json:"meta"`
			Indicators struct {
				Quote []struct {
					Open []*float64 `json:"open"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// GetQuote retrieves the latest quote for ticker from the chart endpoint.
func (c *Client) GetQuote(ctx context.Context, ticker string, opts ...ClientOption) (*Quote, error) {
	var override = &Client{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		header:     c.header.Clone(),
		query:      maps.Clone(c.query),
	}
	for _, opt := range opts {
		opt(override)
	}

	query := maps.Clone(override.query)
	query.Set("interval", "1d")
	query.Set("range", "1d")

	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", override.baseURL, url.PathEscape(ticker), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = override.header

	res, err := override.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var chart chartResponse
	decodeErr := json.Unmarshal(body, &chart)

	// Yahoo answers unknown tickers with 404 and a chart.error body.
	if decodeErr == nil && chart.Chart.Error != nil {
		if strings.EqualFold(chart.Chart.Error.Code, "Not Found") {
			return nil, fmt.Errorf("%s: %w", ticker, ErrSymbolNotFound)
		}
		if res.StatusCode == http.StatusOK {
			return nil, fmt.Errorf("yahoo api error: %s", chart.Chart.Error.Description)
		}
	}
	if res.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: res.StatusCode, Body: truncate(string(body), 512)}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding chart response: %w", decodeErr)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("%s: %w", ticker, ErrSymbolNotFound)
	}

	result := chart.Chart.Result[0]
	meta := result.Meta
	if meta.RegularMarketPrice == nil {
		return nil, fmt.Errorf("%s: no regularMarketPrice in response", ticker)
	}

	q := &Quote{
		Symbol:   meta.Symbol,
		Currency: meta.Currency,
		Price:    *meta.RegularMarketPrice,
		High:     deref(meta.RegularMarketDayHigh),
		Low:      deref(meta.RegularMarketDayLow),
		Volume:   deref(meta.RegularMarketVolume),
	}
	switch {
	case meta.ChartPreviousClose != nil:
		q.PreviousClose = *meta.ChartPreviousClose
	case meta.PreviousClose != nil:
		q.PreviousClose = *meta.PreviousClose
	}
	if qs := result.Indicators.Quote; len(qs) > 0 && len(qs[0].Open) > 0 {
		q.Open = deref(qs[0].Open[0])
	}
	if meta.RegularMarketTime > 0 {
		q.Time = time.Unix(meta.RegularMarketTime, 0).UTC()
	}
	return q, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
