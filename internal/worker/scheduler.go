// Package worker runs the periodic maintenance jobs: closing predictions at
// their deadline, sweeping expired escrow locks and publishing pending Merkle
// claims. Each run takes a distributed lock so only one replica executes a
// job per tick.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler registers jobs with gocron and guards every run with a
// LockManager lock.
type Scheduler struct {
	jobs   []Job
	locks  domain.LockManager
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler creates a Scheduler. locks may be nil in single-node mode.
func NewScheduler(jobs []Job, locks domain.LockManager, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		locks:   locks,
		logger:  logger.With(slog.String("component", "scheduler")),
		running: make(map[string]bool),
	}
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("worker: new scheduler: %w", err)
	}

	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.InfoContext(ctx, "job disabled", slog.String("job", job.Name))
			continue
		}
		job := job
		_, err := sched.NewJob(
			gocron.DurationJob(job.Interval),
			gocron.NewTask(func() {
				if _, err := s.RunOnce(ctx, job); err != nil {
					s.logger.WarnContext(ctx, "job failed",
						slog.String("job", job.Name),
						slog.String("error", err.Error()),
					)
				}
			}),
			gocron.WithName(job.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return fmt.Errorf("worker: register %s: %w", job.Name, err)
		}
		s.logger.InfoContext(ctx, "job registered",
			slog.String("job", job.Name),
			slog.Duration("interval", job.Interval),
		)
	}

	sched.Start()
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown", slog.String("error", err.Error()))
	}
	return ctx.Err()
}

// RunOnce runs job under its lock. It reports false without error when
// another replica holds the lock or the job is already running here.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (bool, error) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		return false, nil
	}
	s.running[job.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
	}()

	if s.locks != nil {
		ttl := job.Interval
		if ttl <= 0 {
			ttl = time.Minute
		}
		unlock, err := s.locks.Acquire(ctx, "job:"+job.Name, ttl)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.logger.DebugContext(ctx, "job held by another replica", slog.String("job", job.Name))
				return false, nil
			}
			return false, fmt.Errorf("worker: lock %s: %w", job.Name, err)
		}
		defer unlock()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return true, fmt.Errorf("worker: %s: %w", job.Name, err)
	}
	s.logger.DebugContext(ctx, "job finished",
		slog.String("job", job.Name),
		slog.Duration("took", time.Since(start)),
	)
	return true, nil
}
