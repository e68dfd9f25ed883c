// Package yahoo is a client for the Yahoo Finance v8 chart API. Only the
// chart endpoint is used: it needs no crumb or cookie and returns the last
// traded price in chart.result[0].meta.
package yahoo

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is the primary chart host. query2.finance.yahoo.com serves
// the same API and can be set with WithBaseURL when query1 throttles.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// HTTPClient is the subset of *http.Client the chart client needs.
//
//go:generate mockgen -package=yahoo_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	baseURL    string
	httpClient HTTPClient
	// header is sent on every request. It starts with a browser User-Agent
	// because the chart host answers 429 to obvious bot agents.
	header http.Header
	// query is merged into every chart request. interval and range are
	// always overwritten by GetQuote.
	query url.Values
}

type ClientOption func(*Client)

// WithBaseURL points the client at another chart host, such as the query2
// mirror or a test server. A trailing slash is dropped.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces http.DefaultClient. A nil client is ignored.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithHeader sets request headers, replacing existing values, so it can
// override the default User-Agent.
func WithHeader(header http.Header) ClientOption {
	return func(c *Client) {
		for key, values := range header {
			c.header.Del(key)
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithQuery adds chart parameters such as region, lang or includePrePost.
func WithQuery(query url.Values) ClientOption {
	return func(c *Client) {
		for key, values := range query {
			for _, value := range values {
				c.query.Add(key, value)
			}
		}
	}
}

// NewClient builds a chart client. It fails when the base URL is not an
// absolute http(s) URL.
func NewClient(options ...ClientOption) (*Client, error) {
	client := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		header: http.Header{
			"User-Agent": []string{"Mozilla/5.0"},
			"Accept":     []string{"application/json"},
		},
		query: url.Values{},
	}
	for _, option := range options {
		option(client)
	}
	if err := checkBaseURL(client.baseURL); err != nil {
		return nil, err
	}
	return client, nil
}

func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("yahoo: base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("yahoo: base url must be an absolute http(s) URL, got " + raw)
	}
	return nil
}
