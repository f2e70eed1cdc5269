package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/worker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// memLocks is an in-process LockManager.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		m.held = make(map[string]bool)
	}
	if m.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

type fakeOps struct {
	closed    atomic.Int32
	swept     atomic.Int32
	published atomic.Int32
	sweepErr  error
}

func (f *fakeOps) CloseDue(context.Context, int) (int, error) {
	f.closed.Add(1)
	return 2, nil
}

func (f *fakeOps) Sweep(context.Context) (int64, error) {
	f.swept.Add(1)
	return 0, f.sweepErr
}

func (f *fakeOps) PublishPending(context.Context, int) (int, error) {
	f.published.Add(1)
	return 1, nil
}

type alerts struct {
	mu     sync.Mutex
	events []string
}

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	locks := &memLocks{}
	var runs atomic.Int32
	job := worker.Job{Name: "j", Interval: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}
	s := worker.NewScheduler([]worker.Job{job}, locks, discard)
	ctx := context.Background()

	unlock, err := locks.Acquire(ctx, "job:j", time.Minute)
	require.NoError(t, err)

	ran, err := s.RunOnce(ctx, job)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(0), runs.Load())

	unlock()
	ran, err = s.RunOnce(ctx, job)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), runs.Load())

	// The lock is released after the run.
	unlock, err = locks.Acquire(ctx, "job:j", time.Minute)
	require.NoError(t, err)
	unlock()
}

func TestRunOnce_WrapsJobError(t *testing.T) {
	boom := errors.New("boom")
	s := worker.NewScheduler(nil, nil, discard)
	ran, err := s.RunOnce(context.Background(), worker.Job{Name: "bad", Run: func(context.Context) error { return boom }})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestJobs_SweepFailureAlerts(t *testing.T) {
	ops := &fakeOps{sweepErr: errors.New("db down")}
	al := &alerts{}
	jobs := worker.Jobs(ops, ops, ops, al, worker.Intervals{}, discard)
	require.Len(t, jobs, 3)

	s := worker.NewScheduler(jobs, nil, discard)
	for _, j := range jobs {
		_, err := s.RunOnce(context.Background(), j)
		if j.Name == worker.JobSweepLocks {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, int32(1), ops.closed.Load())
	assert.Equal(t, int32(1), ops.published.Load())
	assert.Equal(t, []string{"sweep_failed"}, al.events)
}

func TestScheduler_RunsJobsUntilCancelled(t *testing.T) {
	ops := &fakeOps{}
	jobs := worker.Jobs(ops, ops, ops, nil, worker.Intervals{
		CloseDue:       20 * time.Millisecond,
		PublishPending: 20 * time.Millisecond,
	}, discard)
	s := worker.NewScheduler(jobs, &memLocks{}, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return ops.closed.Load() >= 2 && ops.published.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(0), ops.swept.Load(), "zero interval disables the sweep")
}
