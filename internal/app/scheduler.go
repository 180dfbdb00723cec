/**
 * @description
 * Cron scheduler setup for the retention sweeper.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler that runs sweeper every interval. A run still in
// progress when the next tick fires is not overlapped.
func NewScheduler(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.sweeper.Run))
	s.logger.Info("scheduled retention sweeper", "interval", s.interval.String())
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler. The returned context is done once a running
// sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
