package httpx_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotefeed/internal/httpx"
	"quotefeed/internal/provider"
)

func TestClient_SetsDefaultHeaders(t *testing.T) {
	t.Parallel()

	// Arrange
	var gotUA, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := httpx.New(time.Second)
	c.Headers = map[string]string{"X-Api-Key": "secret"}
	req, err := http.NewRequest(http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	// Act
	resp, err := c.Do(t.Context(), req)

	// Assert
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, httpx.CheckStatus(resp))
	require.Equal(t, "quotefeed/1.0", gotUA)
	require.Equal(t, "secret", gotKey)
}

func TestCheckStatus_CarriesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	resp, err := httpx.New(time.Second).Do(t.Context(), mustGet(t, srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	err = httpx.CheckStatus(resp)
	var se *httpx.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.StatusCode)
	require.Contains(t, se.Body, "upstream down")
	require.Equal(t, http.MethodGet, se.Method)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		err      error
		terminal bool
	}{
		{"not found", &httpx.StatusError{StatusCode: http.StatusNotFound}, true},
		{"bad request", &httpx.StatusError{StatusCode: http.StatusBadRequest}, true},
		{"too many requests", &httpx.StatusError{StatusCode: http.StatusTooManyRequests}, false},
		{"server error", &httpx.StatusError{StatusCode: http.StatusServiceUnavailable}, false},
		{"forbidden", &httpx.StatusError{StatusCode: http.StatusForbidden}, false},
		{"transport", errors.New("connection reset by peer"), false},
		{"deadline", context.DeadlineExceeded, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := httpx.Classify(tc.err)
			var te *provider.TerminalError
			require.Equal(t, tc.terminal, errors.As(err, &te))
			require.Equal(t, !tc.terminal, provider.IsRetryable(err))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestClassify_KeepsExistingClassification(t *testing.T) {
	t.Parallel()

	base := provider.Terminal(errors.New("no such symbol"))
	require.Same(t, base, httpx.Classify(base))
	require.NoError(t, httpx.Classify(nil))
}

func mustGet(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	return req
}
