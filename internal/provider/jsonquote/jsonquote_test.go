package jsonquote_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotefeed/internal/httpx"
	"quotefeed/internal/provider"
	"quotefeed/internal/provider/jsonquote"
)

func serve(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestFetch_PathTemplateAndNestedFields(t *testing.T) {
	t.Parallel()

	// Arrange
	var gotPath, gotAuth string
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"data":{"last":"287,50","chg":"7,50","pct":"2,68","vol":"1.234.567","ts":1735787045000}}`)
	})
	p := jsonquote.New(jsonquote.Config{
		Name:         "isyatirim",
		URL:          base + "/quotes/{symbol}",
		Headers:      map[string]string{"Authorization": "Bearer t"},
		SymbolMap:    map[string]string{"THYAO": "THYAO.E"},
		DecimalComma: true,
		Fields: jsonquote.Fields{
			Price: "data.last", Change: "data.chg", ChangePercent: "data.pct",
			Volume: "data.vol", Time: "data.ts",
		},
	}, httpx.New(time.Second))

	// Act
	q, err := p.Fetch(t.Context(), "THYAO")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "/quotes/THYAO.E", gotPath)
	require.Equal(t, "Bearer t", gotAuth)
	require.Equal(t, "THYAO", q.Symbol)
	require.Equal(t, "isyatirim", q.SourceName)
	require.InDelta(t, 287.5, q.Price, 1e-9)
	require.InDelta(t, 7.5, q.Change, 1e-9)
	require.InDelta(t, 2.68, q.ChangePercent, 1e-9)
	require.InDelta(t, 1234567, q.Volume, 1e-9)
	require.Equal(t, time.UnixMilli(1735787045000).UTC(), q.TimestampUTC)
}

func TestFetch_QueryParamAndArrayIndex(t *testing.T) {
	t.Parallel()

	var gotSymbol string
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("s")
		fmt.Fprint(w, `{"results":[{"p":190.25,"t":"2025-01-02T03:04:05Z"}]}`)
	})
	p := jsonquote.New(jsonquote.Config{
		URL:         base + "/q",
		SymbolParam: "s",
		Fields:      jsonquote.Fields{Price: "results.0.p", Time: "results.0.t"},
	}, httpx.New(time.Second))

	q, err := p.Fetch(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "AAPL", gotSymbol)
	require.InDelta(t, 190.25, q.Price, 1e-9)
	require.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), q.TimestampUTC)
}

func TestFetch_ErrorClassification(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"not found", http.StatusNotFound, `{"error":"unknown symbol"}`, false},
		{"server error", http.StatusBadGateway, `oops`, true},
		{"throttled", http.StatusTooManyRequests, ``, true},
		{"missing price", http.StatusOK, `{"other":1}`, true},
		{"garbage price", http.StatusOK, `{"price":"n/a"}`, true},
		{"zero price", http.StatusOK, `{"price":0}`, true},
		{"not json", http.StatusOK, `<html>`, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			base := serve(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})
			p := jsonquote.New(jsonquote.Config{URL: base}, httpx.New(time.Second))

			_, err := p.Fetch(t.Context(), "AAPL")
			require.Error(t, err)
			require.Equal(t, tc.retryable, provider.IsRetryable(err))
		})
	}
}

func TestFetch_RangeRejectsImplausiblePrice(t *testing.T) {
	t.Parallel()

	base := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"price":2875}`)
	})
	p := jsonquote.New(jsonquote.Config{
		URL:    base,
		Ranges: map[string]jsonquote.Range{"THYAO": {Min: 50, Max: 1000}},
	}, httpx.New(time.Second))

	_, err := p.Fetch(t.Context(), "THYAO")
	var re *provider.RetryableError
	require.ErrorAs(t, err, &re)
	require.ErrorContains(t, err, "outside")

	// Assert: symbols without a range are not checked
	q, err := p.Fetch(t.Context(), "GARAN")
	require.NoError(t, err)
	require.InDelta(t, 2875, q.Price, 1e-9)
}

func TestFetch_MissingURLIsTerminal(t *testing.T) {
	t.Parallel()

	p := jsonquote.New(jsonquote.Config{}, httpx.New(time.Second))
	_, err := p.Fetch(t.Context(), "AAPL")
	var te *provider.TerminalError
	require.True(t, errors.As(err, &te))
}

func TestFetch_ContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	p := jsonquote.New(jsonquote.Config{URL: base}, httpx.New(5*time.Second))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Fetch(ctx, "AAPL")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
