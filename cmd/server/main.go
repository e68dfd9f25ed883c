package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotefeed/internal/app"
	"quotefeed/internal/config"
	"quotefeed/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start()

	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set; admin endpoints are disabled")
	}

	s := &server{
		fetcher:        a.Fetcher,
		registry:       a.Registry,
		cache:          a.Cache,
		adminToken:     cfg.Server.AdminToken,
		requestTimeout: time.Duration(cfg.Server.RequestTimeoutSec) * time.Second,
		logger:         logger,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout(cfg),
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "sources", len(cfg.EnabledSources()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// writeTimeout leaves room for the longer of the handler deadline and the
// engine's own fetch deadline, plus time to encode the response.
func writeTimeout(cfg config.Config) time.Duration {
	longest := max(cfg.Server.RequestTimeoutSec, cfg.Engine.RequestTimeoutSec)
	return time.Duration(longest)*time.Second + 5*time.Second
}
