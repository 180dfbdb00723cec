package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/subscription-ledger/internal/metrics"
)

// Sweeper removes ledger entries past the retention window. It is the only component
// that deletes payment records.
type Sweeper struct {
	ledger    Ledger
	retention time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewSweeper creates a sweeper. timeout bounds a single run; zero means no extra bound
// beyond the ledger's own operation timeout.
func NewSweeper(ledger Ledger, retention, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		ledger:    ledger,
		retention: retention,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "retention_sweeper")),
		metrics:   m,
	}
}

// Sweep runs one cleanup pass and returns the number of deleted records.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.InfoContext(ctx, "starting retention sweep", slog.Duration("retention", s.retention))
	deleted, err := s.ledger.CleanupExpiredPayments(ctx, s.retention)
	s.metrics.ObserveSweep(deleted, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention sweep failed", slog.Any("error", err))
		return 0, err
	}
	s.logger.InfoContext(ctx, "retention sweep finished", slog.Int64("deleted", deleted))
	return deleted, nil
}

// Run is the cron entry point.
func (s *Sweeper) Run() {
	_, _ = s.Sweep(context.Background())
}
