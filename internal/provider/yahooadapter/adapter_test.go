package yahooadapter

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotefeed/internal/provider"
	"quotefeed/internal/provider/yahoo"
)

type stubClient struct {
	gotTicker string
	quote     *yahoo.Quote
	err       error
}

func (s *stubClient) GetQuote(_ context.Context, ticker string, _ ...yahoo.ClientOption) (*yahoo.Quote, error) {
	s.gotTicker = ticker
	return s.quote, s.err
}

func TestFetch_MapsQuote(t *testing.T) {
	t.Parallel()

	// Arrange
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	stub := &stubClient{quote: &yahoo.Quote{
		Price: 110, PreviousClose: 100, Open: 101, High: 111, Low: 99, Volume: 5000, Time: ts,
	}}
	a := New(Config{Suffix: ".IS"}, stub)

	// Act
	q, err := a.Fetch(t.Context(), "THYAO")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "THYAO.IS", stub.gotTicker)
	require.Equal(t, "THYAO", q.Symbol)
	require.Equal(t, "yahoo", q.SourceName)
	require.InDelta(t, 10, q.Change, 1e-9)
	require.InDelta(t, 10, q.ChangePercent, 1e-9)
	require.Equal(t, ts, q.TimestampUTC)
}

func TestTicker_SymbolMapWinsAndDottedSymbolsKept(t *testing.T) {
	t.Parallel()

	a := New(Config{Suffix: ".IS", SymbolMap: map[string]string{"XU100": "XU100.IS", "SPX": "^GSPC"}}, nil)
	require.Equal(t, "^GSPC", a.ticker("SPX"))
	require.Equal(t, "BRK.B", a.ticker("BRK.B"))
	require.Equal(t, "GARAN.IS", a.ticker("GARAN"))
}

func TestFetch_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name      string
		err       error
		retryable bool
	}{
		{"symbol not found", yahoo.ErrSymbolNotFound, false},
		{"404", &yahoo.StatusError{StatusCode: http.StatusNotFound}, false},
		{"429", &yahoo.StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"503", &yahoo.StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"transport", errors.New("i/o timeout"), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			a := New(Config{}, &stubClient{err: tc.err})
			_, err := a.Fetch(t.Context(), "AAPL")
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.retryable, provider.IsRetryable(err))
		})
	}
}

func TestFetch_ImplausiblePriceIsRetryable(t *testing.T) {
	t.Parallel()

	a := New(Config{}, &stubClient{quote: &yahoo.Quote{Price: 0}})
	_, err := a.Fetch(t.Context(), "AAPL")
	var re *provider.RetryableError
	require.ErrorAs(t, err, &re)
}
