package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quotefeed/internal/consensus"
	"quotefeed/internal/fetcher"
	"quotefeed/internal/provider"
	"quotefeed/internal/provider/errstats"
)

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	// AdminToken guards the reset endpoints. Empty disables them.
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Engine struct {
	MinSourcesBeforeStop int `json:"min_sources_before_stop" yaml:"min_sources_before_stop"`
	CrossCheckSources    int `json:"cross_check_sources" yaml:"cross_check_sources"`
	RequestTimeoutSec    int `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	BatchDelayMs         int `json:"batch_delay_ms" yaml:"batch_delay_ms"`
	MaxBatchSymbols      int `json:"max_batch_symbols" yaml:"max_batch_symbols"`
	MaxConcurrency       int `json:"max_concurrency" yaml:"max_concurrency"`
}

type Consensus struct {
	DispersionThreshold float64 `json:"dispersion_threshold" yaml:"dispersion_threshold"`
	PenaltyFactor       float64 `json:"penalty_factor" yaml:"penalty_factor"`
	MinConfidence       float64 `json:"min_confidence" yaml:"min_confidence"`
	DiscountOutliers    bool    `json:"discount_outliers" yaml:"discount_outliers"`
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type Cache struct {
	Backend       string `json:"backend" yaml:"backend"` // memory | redis
	TTLSec        int    `json:"ttl_sec" yaml:"ttl_sec"`
	StaleGraceSec int    `json:"stale_grace_sec" yaml:"stale_grace_sec"`
	SweepSpec     string `json:"sweep_spec" yaml:"sweep_spec"`
	MaxItems      int    `json:"max_items" yaml:"max_items"`
	Redis         Redis  `json:"redis" yaml:"redis"`
}

type Health struct {
	WindowMinutes      int     `json:"window_minutes" yaml:"window_minutes"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`
}

type Retry struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs       int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDelayMs        int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter            bool    `json:"jitter" yaml:"jitter"`
	JitterFraction    float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

type Circuit struct {
	FailureThreshold   int     `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutSec    int     `json:"reset_timeout_sec" yaml:"reset_timeout_sec"`
	BackoffMultiplier  float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxResetTimeoutSec int     `json:"max_reset_timeout_sec" yaml:"max_reset_timeout_sec"`
}

type Fields struct {
	Price         string `json:"price" yaml:"price"`
	Change        string `json:"change" yaml:"change"`
	ChangePercent string `json:"change_percent" yaml:"change_percent"`
	Volume        string `json:"volume" yaml:"volume"`
	High          string `json:"high" yaml:"high"`
	Low           string `json:"low" yaml:"low"`
	Open          string `json:"open" yaml:"open"`
	Time          string `json:"time" yaml:"time"`
}

type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

const (
	KindYahoo     = "yahoo"
	KindJSONQuote = "jsonquote"
)

type Source struct {
	Name             string   `json:"name" yaml:"name"`
	Kind             string   `json:"kind" yaml:"kind"`
	Disabled         bool     `json:"disabled" yaml:"disabled"`
	Priority         int      `json:"priority" yaml:"priority"`
	RateLimit        int      `json:"rate_limit" yaml:"rate_limit"`
	MinIntervalMs    int      `json:"min_interval_ms" yaml:"min_interval_ms"`
	WaitForRateLimit bool     `json:"wait_for_rate_limit" yaml:"wait_for_rate_limit"`
	TimeoutMs        int      `json:"timeout_ms" yaml:"timeout_ms"`
	Retry            *Retry   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Circuit          *Circuit `json:"circuit,omitempty" yaml:"circuit,omitempty"`

	SymbolMap map[string]string `json:"symbol_map,omitempty" yaml:"symbol_map,omitempty"`

	// yahoo
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Suffix  string `json:"suffix,omitempty" yaml:"suffix,omitempty"`

	// jsonquote
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method       string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	SymbolParam  string            `json:"symbol_param,omitempty" yaml:"symbol_param,omitempty"`
	Fields       Fields            `json:"fields" yaml:"fields"`
	DecimalComma bool              `json:"decimal_comma,omitempty" yaml:"decimal_comma,omitempty"`
	Ranges       map[string]Range  `json:"ranges,omitempty" yaml:"ranges,omitempty"`
}

type Config struct {
	Server    Server    `json:"server" yaml:"server"`
	Log       Log       `json:"log" yaml:"log"`
	Engine    Engine    `json:"engine" yaml:"engine"`
	Consensus Consensus `json:"consensus" yaml:"consensus"`
	Cache     Cache     `json:"cache" yaml:"cache"`
	Health    Health    `json:"health" yaml:"health"`
	Sources   []Source  `json:"sources" yaml:"sources"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 15},
		Log:    Log{Level: "info", Format: "text"},
		Engine: Engine{
			MinSourcesBeforeStop: 1,
			CrossCheckSources:    1,
			RequestTimeoutSec:    10,
			BatchDelayMs:         100,
			MaxBatchSymbols:      50,
			MaxConcurrency:       5,
		},
		Consensus: Consensus{
			DispersionThreshold: 0.05,
			PenaltyFactor:       10,
			MinConfidence:       0.1,
		},
		Cache: Cache{
			Backend:       "memory",
			TTLSec:        60,
			StaleGraceSec: 600,
			SweepSpec:     "@every 30s",
			MaxItems:      10000,
			Redis:         Redis{Addr: "localhost:6379", Prefix: "quote:"},
		},
		Health: Health{WindowMinutes: 5, ErrorRateThreshold: 0.5, MinSamples: 5},
		Sources: []Source{
			{
				Name:      "yahoo",
				Kind:      KindYahoo,
				Priority:  1,
				RateLimit: 100,
				TimeoutMs: 5000,
			},
		},
	}
}

// Load reads a JSON or YAML config from path (chosen by extension), then a
// .env file if present, then environment overrides. A missing file yields
// defaults. If path is empty, config.json then config.yaml are tried.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	_ = godotenv.Load()
	applyEnv(&cfg)
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	// A file that lists sources replaces the defaults instead of merging into them.
	defaults := cfg.Sources
	cfg.Sources = nil
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = defaults
	}
	return err
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if x, ok := envInt("REQUEST_TIMEOUT_SEC"); ok && x > 0 {
		cfg.Server.RequestTimeoutSec = x
		cfg.Engine.RequestTimeoutSec = x
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if x, ok := envInt("MAX_CONCURRENCY"); ok && x > 0 {
		cfg.Engine.MaxConcurrency = x
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = strings.ToLower(v)
	}
	if x, ok := envInt("CACHE_TTL_SEC"); ok && x > 0 {
		cfg.Cache.TTLSec = x
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if x, ok := envInt("REDIS_DB"); ok && x >= 0 {
		cfg.Cache.Redis.DB = x
	}
	if v, ok := envBool("YAHOO_ENABLED"); ok {
		for i := range cfg.Sources {
			if cfg.Sources[i].Kind == KindYahoo {
				cfg.Sources[i].Disabled = !v
			}
		}
	}
	if v := os.Getenv("JSONQUOTE_ENDPOINT"); v != "" {
		found := false
		for i := range cfg.Sources {
			if cfg.Sources[i].Kind == KindJSONQuote {
				cfg.Sources[i].Endpoint = v
				found = true
			}
		}
		if !found {
			cfg.Sources = append(cfg.Sources, Source{
				Name:      "jsonquote",
				Kind:      KindJSONQuote,
				Priority:  len(cfg.Sources) + 1,
				TimeoutMs: 5000,
				Endpoint:  v,
			})
		}
	}
	if v := os.Getenv("JSONQUOTE_API_KEY"); v != "" {
		for i := range cfg.Sources {
			if cfg.Sources[i].Kind != KindJSONQuote {
				continue
			}
			if cfg.Sources[i].Headers == nil {
				cfg.Sources[i].Headers = map[string]string{}
			}
			cfg.Sources[i].Headers["Authorization"] = "Bearer " + v
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	x, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return x, true
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y":
		return true, true
	case "0", "false", "no", "n":
		return false, true
	}
	return false, false
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	if c.Engine.MaxBatchSymbols < 1 {
		errs = append(errs, errors.New("engine.max_batch_symbols must be >= 1"))
	}
	if c.Engine.MinSourcesBeforeStop < 0 || c.Engine.CrossCheckSources < 0 {
		errs = append(errs, errors.New("engine source counts must not be negative"))
	}
	if c.Consensus.MinConfidence < 0 || c.Consensus.MinConfidence > 1 {
		errs = append(errs, errors.New("consensus.min_confidence must be within [0, 1]"))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q: want memory or redis", c.Cache.Backend))
	}

	seen := make(map[string]struct{}, len(c.Sources))
	enabled := 0
	for i, s := range c.Sources {
		where := fmt.Sprintf("sources[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is empty", where))
		} else {
			where = "source " + s.Name
			if _, dup := seen[s.Name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate name", where))
			}
			seen[s.Name] = struct{}{}
		}
		if s.Priority <= 0 {
			errs = append(errs, fmt.Errorf("%s: priority must be >= 1", where))
		}
		switch s.Kind {
		case KindYahoo:
		case KindJSONQuote:
			if s.Endpoint == "" {
				errs = append(errs, fmt.Errorf("%s: endpoint is required", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", where, s.Kind))
		}
		if s.RateLimit < 0 || s.MinIntervalMs < 0 || s.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("%s: negative limits", where))
		}
		if r := s.Retry; r != nil {
			if r.MaxAttempts < 1 {
				errs = append(errs, fmt.Errorf("%s: retry.max_attempts must be >= 1", where))
			}
			if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
				errs = append(errs, fmt.Errorf("%s: retry.backoff_multiplier must be >= 1", where))
			}
			if r.JitterFraction < 0 || r.JitterFraction >= 1 {
				errs = append(errs, fmt.Errorf("%s: retry.jitter_fraction must be within [0, 1)", where))
			}
		}
		if cb := s.Circuit; cb != nil {
			if cb.FailureThreshold < 1 {
				errs = append(errs, fmt.Errorf("%s: circuit.failure_threshold must be >= 1", where))
			}
			if cb.BackoffMultiplier != 0 && cb.BackoffMultiplier < 1 {
				errs = append(errs, fmt.Errorf("%s: circuit.backoff_multiplier must be >= 1", where))
			}
		}
		if !s.Disabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("no enabled sources"))
	}
	return errors.Join(errs...)
}

// Provider converts s to the immutable form the engine registers.
func (s Source) Provider() provider.SourceConfig {
	out := provider.SourceConfig{
		Name:             s.Name,
		Priority:         s.Priority,
		RateLimit:        s.RateLimit,
		MinInterval:      ms(s.MinIntervalMs),
		WaitForRateLimit: s.WaitForRateLimit,
		Timeout:          ms(s.TimeoutMs),
	}
	if r := s.Retry; r != nil {
		out.Retry = provider.RetryPolicy{
			MaxAttempts:       r.MaxAttempts,
			BaseDelay:         ms(r.BaseDelayMs),
			BackoffMultiplier: r.BackoffMultiplier,
			MaxDelay:          ms(r.MaxDelayMs),
			Jitter:            r.Jitter,
			JitterFraction:    r.JitterFraction,
		}
	}
	if cb := s.Circuit; cb != nil {
		out.Circuit = provider.CircuitPolicy{
			FailureThreshold:  cb.FailureThreshold,
			ResetTimeout:      time.Duration(cb.ResetTimeoutSec) * time.Second,
			BackoffMultiplier: cb.BackoffMultiplier,
			MaxResetTimeout:   time.Duration(cb.MaxResetTimeoutSec) * time.Second,
		}
	}
	return out.WithDefaults()
}

// EnabledSources returns the sources that are not disabled, in file order.
func (c Config) EnabledSources() []Source {
	out := make([]Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) Fetcher() fetcher.Config {
	return fetcher.Config{
		MinSourcesBeforeStop: c.Engine.MinSourcesBeforeStop,
		CrossCheckSources:    c.Engine.CrossCheckSources,
		RequestTimeout:       time.Duration(c.Engine.RequestTimeoutSec) * time.Second,
		CacheTTL:             time.Duration(c.Cache.TTLSec) * time.Second,
		BatchDelay:           ms(c.Engine.BatchDelayMs),
		MaxBatchSymbols:      c.Engine.MaxBatchSymbols,
		DefaultConcurrency:   c.Engine.MaxConcurrency,
	}
}

func (c Config) ConsensusConfig() consensus.Config {
	return consensus.Config{
		DispersionThreshold: c.Consensus.DispersionThreshold,
		PenaltyFactor:       c.Consensus.PenaltyFactor,
		MinConfidence:       c.Consensus.MinConfidence,
		DiscountOutliers:    c.Consensus.DiscountOutliers,
	}
}

// ApplyHealth copies the health thresholds onto r.
func (c Config) ApplyHealth(r *errstats.Registry) {
	if c.Health.WindowMinutes > 0 {
		r.Window = time.Duration(c.Health.WindowMinutes) * time.Minute
	}
	if c.Health.ErrorRateThreshold > 0 {
		r.ErrorRateThreshold = c.Health.ErrorRateThreshold
	}
	if c.Health.MinSamples > 0 {
		r.MinSamples = c.Health.MinSamples
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
