// Package app wires configuration into a running engine: sources, guards,
// cache and fetcher. Both commands build through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quotefeed/internal/config"
	"quotefeed/internal/consensus"
	"quotefeed/internal/fetcher"
	"quotefeed/internal/httpx"
	"quotefeed/internal/provider"
	"quotefeed/internal/provider/cache"
	"quotefeed/internal/provider/jsonquote"
	"quotefeed/internal/provider/retry"
	"quotefeed/internal/provider/yahoo"
	"quotefeed/internal/provider/yahooadapter"
	"quotefeed/internal/resilience"
)

type App struct {
	Config   config.Config
	Registry *resilience.Registry
	Cache    *cache.Layer
	Fetcher  *fetcher.Fetcher

	logger  *slog.Logger
	sweeper *cache.Sweeper
	closers []func() error
}

// Build validates cfg and constructs every component. Call Start to begin
// background work and Close when done.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &App{Config: cfg, logger: logger}

	a.Registry = resilience.New(logger)
	cfg.ApplyHealth(a.Registry.Errors)

	hc := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)
	var sources []provider.Source
	for _, sc := range cfg.EnabledSources() {
		src, err := newSource(sc, hc)
		if err != nil {
			return nil, err
		}
		if err := a.Registry.Register(sc.Provider()); err != nil {
			return nil, err
		}
		sources = append(sources, src)
		logger.Info("source registered", "source", sc.Name, "kind", sc.Kind, "priority", sc.Priority)
	}

	layer, err := a.buildCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache = layer

	validator := consensus.New(cfg.ConsensusConfig(), a.Registry.Priority, logger)
	f, err := fetcher.New(cfg.Fetcher(), a.Registry, sources, validator, layer, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	f.Retry = &retry.Executor{
		OnRetry: func(next int, delay time.Duration, err error) {
			logger.Debug("retrying source call", "attempt", next, "delay", delay.String(), "err", err)
		},
	}
	a.Fetcher = f
	return a, nil
}

func newSource(sc config.Source, hc *httpx.Client) (provider.Source, error) {
	switch sc.Kind {
	case config.KindYahoo:
		opts := []yahoo.ClientOption{yahoo.WithHTTPClient(hc.HTTP)}
		if sc.BaseURL != "" {
			opts = append(opts, yahoo.WithBaseURL(sc.BaseURL))
		}
		client, err := yahoo.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		return yahooadapter.New(yahooadapter.Config{
			Name:      sc.Name,
			Suffix:    sc.Suffix,
			SymbolMap: sc.SymbolMap,
		}, client), nil
	case config.KindJSONQuote:
		ranges := make(map[string]jsonquote.Range, len(sc.Ranges))
		for sym, r := range sc.Ranges {
			ranges[provider.NormalizeSymbol(sym)] = jsonquote.Range{Min: r.Min, Max: r.Max}
		}
		return jsonquote.New(jsonquote.Config{
			Name:        sc.Name,
			URL:         sc.Endpoint,
			Method:      sc.Method,
			Headers:     sc.Headers,
			SymbolParam: sc.SymbolParam,
			SymbolMap:   sc.SymbolMap,
			Fields: jsonquote.Fields{
				Price:         sc.Fields.Price,
				Change:        sc.Fields.Change,
				ChangePercent: sc.Fields.ChangePercent,
				Volume:        sc.Fields.Volume,
				High:          sc.Fields.High,
				Low:           sc.Fields.Low,
				Open:          sc.Fields.Open,
				Time:          sc.Fields.Time,
			},
			DecimalComma: sc.DecimalComma,
			Ranges:       ranges,
		}, hc), nil
	}
	return nil, fmt.Errorf("source %s: unknown kind %q", sc.Name, sc.Kind)
}

func (a *App) buildCache(ctx context.Context) (*cache.Layer, error) {
	cc := a.Config.Cache
	var store cache.Store
	switch cc.Backend {
	case "redis":
		rs, err := cache.NewRedisStore(ctx, cc.Redis.Addr, cc.Redis.Password, cc.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		store = rs
	default:
		ms := cache.NewMemoryStore()
		ms.MaxItems = cc.MaxItems
		store = ms
	}

	layer := cache.NewLayer(store)
	if cc.StaleGraceSec > 0 {
		layer.StaleGrace = time.Duration(cc.StaleGraceSec) * time.Second
	}
	if cc.Backend == "redis" && cc.Redis.Prefix != "" {
		layer.KeyPrefix = cc.Redis.Prefix
	}

	if cc.SweepSpec != "" {
		sw, err := cache.NewSweeper(layer, cc.SweepSpec, a.logger)
		if err != nil {
			return nil, err
		}
		a.sweeper = sw
	}
	return layer, nil
}

// Start begins the cache sweep.
func (a *App) Start() {
	if a.sweeper != nil {
		a.sweeper.Start()
	}
}

// Close stops background work and releases connections.
func (a *App) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
		a.sweeper = nil
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
