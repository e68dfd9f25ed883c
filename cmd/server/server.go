package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"quotefeed/internal/fetcher"
	"quotefeed/internal/provider"
	"quotefeed/internal/provider/cache"
	"quotefeed/internal/provider/errstats"
	"quotefeed/internal/resilience"
)

type server struct {
	fetcher        *fetcher.Fetcher
	registry       *resilience.Registry
	cache          *cache.Layer
	adminToken     string
	requestTimeout time.Duration
	logger         *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /data/{symbol}", s.handleData)
	mux.HandleFunc("POST /data/batch", s.handleBatch)
	mux.HandleFunc("GET /admin/stats", s.requireAdmin(s.handleStats))
	mux.HandleFunc("POST /admin/reset", s.requireAdmin(s.handleReset))
	mux.HandleFunc("DELETE /admin/cache/{symbol}", s.requireAdmin(s.handleEvict))

	return withRequestID(logRequests(s.logger, withJSONHeaders(withGzip(recoverPanic(s.logger, limitBody(mux))))))
}

func (s *server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

type dataResponse struct {
	Data     provider.ValidatedQuote `json:"data"`
	Cached   bool                    `json:"cached"`
	Degraded bool                    `json:"degraded,omitempty"`
	AgeMs    int64                   `json:"age_ms"`
}

func toResponse(r fetcher.Result) dataResponse {
	return dataResponse{Data: r.Quote, Cached: r.Cached, Degraded: r.Degraded, AgeMs: r.Age.Milliseconds()}
}

func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	symbol := provider.NormalizeSymbol(r.PathValue("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol", nil)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	res, err := s.fetcher.FetchOne(ctx, symbol, fetcher.Options{Force: force})
	if err != nil {
		s.logger.Info("quote unavailable", "symbol", symbol, "request_id", requestID(r.Context()), "err", err)
		status, sources := failureStatus(err)
		writeError(w, status, err.Error(), sources)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

type batchRequest struct {
	Symbols        []string `json:"symbols"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

type batchItem struct {
	Symbol string `json:"symbol"`
	dataResponse
}

type batchError struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

type batchResponse struct {
	Results []batchItem  `json:"results"`
	Errors  []batchError `json:"errors"`
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var b batchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if len(b.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols cannot be empty", nil)
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	out, err := s.fetcher.FetchMany(ctx, b.Symbols, b.MaxConcurrency)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fetcher.ErrTooManySymbols) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error(), nil)
		return
	}

	resp := batchResponse{
		Results: make([]batchItem, 0, len(out.Results)),
		Errors:  make([]batchError, 0, len(out.Errors)),
	}
	for sym, res := range out.Results {
		resp.Results = append(resp.Results, batchItem{Symbol: sym, dataResponse: toResponse(res)})
	}
	for sym, err := range out.Errors {
		resp.Errors = append(resp.Errors, batchError{Symbol: sym, Error: err.Error()})
	}
	sort.Slice(resp.Results, func(i, j int) bool { return resp.Results[i].Symbol < resp.Results[j].Symbol })
	sort.Slice(resp.Errors, func(i, j int) bool { return resp.Errors[i].Symbol < resp.Errors[j].Symbol })
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports source health. An unreachable cache backend degrades
// the service but does not take it down, since fetches still work without it.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.fetcher.Health()
	resp := map[string]any{"status": h}
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cache.Health(ctx); err != nil {
			resp["cache"] = err.Error()
			if h == errstats.Healthy {
				h = errstats.Degraded
				resp["status"] = h
			}
		}
	}
	status := http.StatusOK
	if h == errstats.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *server) handleEvict(w http.ResponseWriter, r *http.Request) {
	symbol := provider.NormalizeSymbol(r.PathValue("symbol"))
	if symbol == "" || s.cache == nil {
		writeError(w, http.StatusBadRequest, "nothing to evict", nil)
		return
	}
	if err := s.cache.Delete(r.Context(), symbol); err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), nil)
		return
	}
	s.logger.Info("cache entry evicted", "symbol", symbol, "request_id", requestID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"evicted": symbol})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"health":   s.registry.Health(),
		"sources":  s.registry.Errors.Snapshot(),
		"circuits": s.registry.Breakers.All(),
	})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("source")
	if name == "" {
		s.registry.ResetAll()
		s.logger.Warn("all sources reset", "request_id", requestID(r.Context()))
		writeJSON(w, http.StatusOK, map[string]any{"reset": "all"})
		return
	}
	if _, ok := s.registry.Config(name); !ok {
		writeError(w, http.StatusNotFound, "unknown source "+name, nil)
		return
	}
	s.registry.Reset(name)
	s.logger.Warn("source reset", "source", name, "request_id", requestID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"reset": name})
}

// requireAdmin rejects requests without the configured X-Admin-Token. With
// no token configured every admin request is refused.
func (s *server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden", nil)
			return
		}
		next(w, r)
	}
}

// failureStatus maps a FetchOne error to a response code: 404 when every
// source said the symbol does not exist, 504 on the request deadline, 502
// otherwise.
func failureStatus(err error) (int, map[string]string) {
	var te *provider.TerminalError
	var all *provider.AllSourcesFailedError
	switch {
	case errors.As(err, &all):
		if allTerminal(all) {
			return http.StatusNotFound, all.Summary()
		}
		if _, ok := all.Errors["deadline"]; ok {
			return http.StatusGatewayTimeout, all.Summary()
		}
		return http.StatusBadGateway, all.Summary()
	case errors.As(err, &te):
		return http.StatusBadRequest, nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, nil
	}
	return http.StatusBadGateway, nil
}

func allTerminal(e *provider.AllSourcesFailedError) bool {
	if len(e.Errors) == 0 {
		return false
	}
	for _, err := range e.Errors {
		var te *provider.TerminalError
		if !errors.As(err, &te) {
			return false
		}
	}
	return true
}

type errorResponse struct {
	Error   string            `json:"error"`
	Sources map[string]string `json:"sources,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, sources map[string]string) {
	writeJSON(w, status, errorResponse{Error: msg, Sources: sources})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
