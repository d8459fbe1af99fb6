package gate

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs a cycle through the gate on a fixed interval. It replaces
// an external cron when DISPATCH_INTERVAL is set.
type Scheduler struct {
	gate     *Gate
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables it.
func NewScheduler(g *Gate, interval time.Duration) *Scheduler {
	return &Scheduler{
		gate:     g,
		interval: interval,
		logger:   slog.With("component", "scheduler"),
	}
}

// Enabled reports whether Start will tick.
func (s *Scheduler) Enabled() bool {
	return s.interval > 0
}

// Start ticks until ctx is done. It blocks, so callers run it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}

	s.logger.Info("Scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled dispatch panicked", "panic", r)
		}
	}()

	if _, err := s.gate.Run(ctx, SourceSchedule); err != nil && ctx.Err() == nil {
		s.logger.Warn("Scheduled dispatch failed", "error", err)
	}
}
