package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec runs a sweep every 30 seconds.
const DefaultSweepSpec = "@every 30s"

// Sweeper runs Layer.Sweep on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	layer  *Layer
	logger *slog.Logger
}

func NewSweeper(layer *Layer, spec string, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{cron: cron.New(), layer: layer, logger: logger}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := s.layer.Sweep(ctx)
	if err != nil {
		s.logger.Warn("cache sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("cache sweep", "evicted", n)
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }
