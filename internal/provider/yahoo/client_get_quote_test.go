package yahoo_test

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"quotefeed/internal/provider/yahoo"
)

const chartBody = `{
  "chart": {
    "result": [{
      "meta": {
        "symbol": "THYAO.IS",
        "currency": "TRY",
        "regularMarketPrice": 287.5,
        "chartPreviousClose": 280.0,
        "regularMarketDayHigh": 290.25,
        "regularMarketDayLow": 279.0,
        "regularMarketVolume": 12345678,
        "regularMarketTime": 1735787045
      },
      "indicators": {"quote": [{"open": [281.0]}]}
    }],
    "error": null
  }
}`

const notFoundBody = `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`

func newClient(t *testing.T, do func(*http.Request) (*http.Response, error)) *yahoo.Client {
	t.Helper()
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().Do(gomock.Any()).DoAndReturn(do).Times(1)
	client, err := yahoo.NewClient(yahoo.WithHTTPClient(httpClient))
	require.NoError(t, err)
	return client
}

func TestGetQuote(t *testing.T) {
	t.Parallel()

	// Arrange
	client := newClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, chartBody), nil
	})

	// Act
	q, err := client.GetQuote(t.Context(), "THYAO.IS")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "THYAO.IS", q.Symbol)
	require.Equal(t, "TRY", q.Currency)
	require.InDelta(t, 287.5, q.Price, 1e-9)
	require.InDelta(t, 280.0, q.PreviousClose, 1e-9)
	require.InDelta(t, 281.0, q.Open, 1e-9)
	require.InDelta(t, 290.25, q.High, 1e-9)
	require.InDelta(t, 279.0, q.Low, 1e-9)
	require.InDelta(t, 12345678, q.Volume, 1e-9)
	require.Equal(t, time.Unix(1735787045, 0).UTC(), q.Time)
}

func TestGetQuote_NotFound(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, notFoundBody), nil
	})

	_, err := client.GetQuote(t.Context(), "NOPE")
	require.ErrorIs(t, err, yahoo.ErrSymbolNotFound)
}

func TestGetQuote_ServerError(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, "<html>busy</html>"), nil
	})

	_, err := client.GetQuote(t.Context(), "AAPL")
	var se *yahoo.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	require.Contains(t, se.Body, "busy")
}

func TestGetQuote_TransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset by peer")
	client := newClient(t, func(*http.Request) (*http.Response, error) {
		return nil, boom
	})

	_, err := client.GetQuote(t.Context(), "AAPL")
	require.ErrorIs(t, err, boom)
}

func TestGetQuote_MissingPrice(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"chart":{"result":[{"meta":{"symbol":"AAPL"}}],"error":null}}`), nil
	})

	_, err := client.GetQuote(t.Context(), "AAPL")
	require.Error(t, err)
	require.NotErrorIs(t, err, yahoo.ErrSymbolNotFound)
}

func TestGetQuote_MalformedBody(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"chart":`), nil
	})

	_, err := client.GetQuote(t.Context(), "AAPL")
	require.ErrorContains(t, err, "decoding chart response")
}
