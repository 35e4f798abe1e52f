package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Runner starts a pass unless one is already running.
type Runner interface {
	TryRun(ctx context.Context) (*Summary, error)
}

// Scheduler triggers a pass every interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a Scheduler. A non-positive interval defaults to five
// minutes.
func NewScheduler(runner Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start runs the schedule loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	_, err := s.runner.TryRun(passCtx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		s.logger.Debug("scheduled pass skipped: pass in progress")
	case err != nil:
		s.logger.Error("scheduled pass failed", zap.Error(err))
	}
}
