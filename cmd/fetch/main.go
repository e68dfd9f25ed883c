package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"quotefeed/internal/app"
	"quotefeed/internal/config"
	"quotefeed/internal/fetcher"
	"quotefeed/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	symbols     []string
	configPath  string
	force       bool
	concurrency int
	timeout     time.Duration
	logLevel    string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	var symbolsCSV string
	var timeoutSec int
	fs.StringVar(&symbolsCSV, "symbols", getenv("SYMBOLS", ""), "comma-separated symbols")
	fs.StringVar(&o.configPath, "config", getenv("CONFIG_FILE", ""), "path to config.json or config.yaml (optional)")
	fs.BoolVar(&o.force, "force", getenvBool("FORCE", false), "bypass the fresh cache")
	fs.IntVar(&o.concurrency, "concurrency", getenvInt("MAX_CONCURRENCY", 0), "symbols fetched at once (0 uses the configured default)")
	fs.IntVar(&timeoutSec, "timeout", getenvInt("REQUEST_TIMEOUT_SEC", 30), "overall timeout seconds")
	fs.StringVar(&o.logLevel, "log-level", getenv("LOG_LEVEL", "warn"), "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.symbols = splitCSV(symbolsCSV)
	o.symbols = append(o.symbols, fs.Args()...)
	if len(o.symbols) == 0 {
		return o, fmt.Errorf("no symbols provided")
	}
	o.timeout = time.Duration(timeoutSec) * time.Second
	return o, nil
}

type row struct {
	Symbol     string   `json:"symbol"`
	Price      float64  `json:"price,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
	Sources    []string `json:"contributing_sources,omitempty"`
	Cached     bool     `json:"cached,omitempty"`
	Degraded   bool     `json:"degraded,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "fetch:", err)
		return 2
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	cfg.Cache.SweepSpec = ""
	logger := logging.NewWithWriter(stderr, o.logLevel, cfg.Log.Format)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "fetch:", err)
		return 1
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	rows, err := fetchRows(ctx, a.Fetcher, o)
	if err != nil {
		fmt.Fprintln(stderr, "fetch:", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rows); err != nil {
		fmt.Fprintln(stderr, "fetch:", err)
		return 1
	}
	for _, r := range rows {
		if r.Error != "" {
			return 1
		}
	}
	return 0
}

func fetchRows(ctx context.Context, f *fetcher.Fetcher, o options) ([]row, error) {
	if len(o.symbols) == 1 || o.force {
		rows := make([]row, 0, len(o.symbols))
		for _, sym := range o.symbols {
			res, err := f.FetchOne(ctx, sym, fetcher.Options{Force: o.force})
			rows = append(rows, toRow(strings.ToUpper(strings.TrimSpace(sym)), res, err))
		}
		return rows, nil
	}

	out, err := f.FetchMany(ctx, o.symbols, o.concurrency)
	if err != nil {
		return nil, err
	}
	rows := make([]row, 0, len(out.Results)+len(out.Errors))
	for sym, res := range out.Results {
		rows = append(rows, toRow(sym, res, nil))
	}
	for sym, e := range out.Errors {
		rows = append(rows, toRow(sym, fetcher.Result{}, e))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows, nil
}

func toRow(symbol string, res fetcher.Result, err error) row {
	if err != nil {
		return row{Symbol: symbol, Error: err.Error()}
	}
	q := res.Quote
	return row{
		Symbol:     symbol,
		Price:      q.Price,
		Confidence: q.Confidence,
		Source:     q.SourceName,
		Sources:    q.ContributingSources,
		Cached:     res.Cached,
		Degraded:   res.Degraded,
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil {
			return x
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}
