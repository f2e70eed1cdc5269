package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakepool/internal/notify"
)

// Job names.
const (
	JobCloseDue       = "close_due"
	JobSweepLocks     = "sweep_locks"
	JobPublishPending = "publish_pending"
)

// Closer closes open predictions past their entry deadline.
type Closer interface {
	CloseDue(ctx context.Context, limit int) (int, error)
}

// Sweeper expires escrow locks past their TTL.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Publisher publishes claims for settled predictions that lack one.
type Publisher interface {
	PublishPending(ctx context.Context, limit int) (int, error)
}

// Alerter sends operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Intervals configures how often each job runs. Zero disables a job.
type Intervals struct {
	CloseDue       time.Duration
	SweepLocks     time.Duration
	PublishPending time.Duration
	BatchSize      int
}

// Jobs builds the maintenance jobs. alerts may be nil.
func Jobs(closer Closer, sweeper Sweeper, publisher Publisher, alerts Alerter, iv Intervals, logger *slog.Logger) []Job {
	logger = logger.With(slog.String("component", "jobs"))
	batch := iv.BatchSize
	if batch <= 0 {
		batch = 100
	}

	return []Job{
		{
			Name:     JobCloseDue,
			Interval: iv.CloseDue,
			Run: func(ctx context.Context) error {
				n, err := closer.CloseDue(ctx, batch)
				if n > 0 {
					logger.InfoContext(ctx, "closed predictions past deadline", slog.Int("count", n))
				}
				return err
			},
		},
		{
			Name:     JobSweepLocks,
			Interval: iv.SweepLocks,
			Run: func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx)
				if err != nil && alerts != nil {
					if aerr := alerts.Notify(ctx, notify.EventSweepFailed, "Escrow sweep failed", err.Error()); aerr != nil {
						logger.WarnContext(ctx, "alert failed", slog.String("error", aerr.Error()))
					}
				}
				return err
			},
		},
		{
			Name:     JobPublishPending,
			Interval: iv.PublishPending,
			Run: func(ctx context.Context) error {
				n, err := publisher.PublishPending(ctx, batch)
				if n > 0 {
					logger.InfoContext(ctx, "published pending claims", slog.Int("count", n))
				}
				if err != nil {
					return fmt.Errorf("publish pending: %w", err)
				}
				return nil
			},
		},
	}
}
