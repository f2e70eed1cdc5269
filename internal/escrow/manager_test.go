package escrow_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/escrow"
	"github.com/alanyoungcy/stakepool/internal/store/sqlite"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	mgr      *escrow.Manager
	clock    *clock
	accounts *sqlite.AccountStore
	preds    *sqlite.PredictionStore
	locks    *sqlite.EscrowStore
}

func newEnv(t *testing.T, balance int64) *env {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{now: start}
	preds := sqlite.NewPredictionStore(db)
	accounts := sqlite.NewAccountStore(db)
	locks := sqlite.NewEscrowStore(db)

	require.NoError(t, preds.Create(ctx, domain.Prediction{
		ID:            "p1",
		CreatorID:     "creator",
		Title:         "match",
		Status:        domain.StatusOpen,
		EntryDeadline: start.Add(time.Hour),
		OddsModel:     domain.OddsModelPoolV2,
		CreatedAt:     start,
		UpdatedAt:     start,
		Options:       []domain.Option{{ID: "a", Position: 0}, {ID: "b", Position: 1}},
	}))
	require.NoError(t, accounts.Upsert(ctx, domain.Account{
		UserID:        "user",
		BalanceCents:  balance,
		WalletAddress: "0x00000000000000000000000000000000000000aa",
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := escrow.NewManager(locks, preds, 5*time.Minute, logger, escrow.WithClock(c.Now), escrow.WithSweepBatch(2))
	return &env{mgr: mgr, clock: c, accounts: accounts, preds: preds, locks: locks}
}

func req(key string, cents int64) escrow.ReserveRequest {
	return escrow.ReserveRequest{
		UserID:         "user",
		PredictionID:   "p1",
		OptionID:       "a",
		AmountCents:    cents,
		IdempotencyKey: key,
	}
}

func TestReserve_IdempotentReplay(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	first, err := e.mgr.Reserve(ctx, req("k1", 50))
	require.NoError(t, err)
	second, err := e.mgr.Reserve(ctx, req("k1", 50))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	sum, err := e.mgr.ActiveSum(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(50), sum)

	_, err = e.mgr.Reserve(ctx, req("k1", 60))
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestReserve_ConcurrentSameKey(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 2)
	errs := make([]error, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := e.mgr.Reserve(ctx, req("k1", 50))
			ids[i], errs[i] = l.ID, err
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, ids[0], ids[1])

	sum, err := e.mgr.ActiveSum(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(50), sum, "one reservation, not two")

	_, err = e.mgr.Consume(ctx, ids[0])
	require.NoError(t, err)
	acct, err := e.accounts.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.BalanceCents, "debited once")
}

func TestReserve_NoOverdrawUnderConcurrency(t *testing.T) {
	e := newEnv(t, 500)
	ctx := context.Background()

	const workers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, insufficient int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.mgr.Reserve(ctx, req(fmt.Sprintf("k%d", i), 50))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, domain.ErrInsufficientBalance):
				insufficient++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, workers-10, insufficient)

	sum, err := e.mgr.ActiveSum(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(500), sum)
}

func TestReserve_Validation(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	_, err := e.mgr.Reserve(ctx, req("k", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	r := req("", 10)
	_, err = e.mgr.Reserve(ctx, r)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	r = req("k", 10)
	r.OptionID = "zzz"
	_, err = e.mgr.Reserve(ctx, r)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = e.mgr.Reserve(ctx, req("big", 101))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestReserve_OnlyWhileOpen(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	e.clock.Advance(time.Hour)
	_, err := e.mgr.Reserve(ctx, req("late", 10))
	assert.ErrorIs(t, err, domain.ErrPredictionNotOpen, "deadline passed")

	e2 := newEnv(t, 100)
	require.NoError(t, e2.preds.Transition(ctx, "p1", domain.StatusOpen, domain.StatusCancelled, e2.clock.Now()))
	_, err = e2.mgr.Reserve(ctx, req("k", 10))
	assert.ErrorIs(t, err, domain.ErrPredictionNotOpen)
}

func TestConsume_ExpiredLock(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	l, err := e.mgr.Reserve(ctx, req("k1", 40))
	require.NoError(t, err)

	e.clock.Advance(6 * time.Minute)
	_, err = e.mgr.Consume(ctx, l.ID)
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	got, err := e.mgr.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusExpired, got.Status)

	// Replaying the key still returns the original lock.
	replay, err := e.mgr.Reserve(ctx, req("k1", 40))
	require.NoError(t, err)
	assert.Equal(t, l.ID, replay.ID)
}

func TestRelease(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	l, err := e.mgr.Reserve(ctx, req("k1", 40))
	require.NoError(t, err)

	released, err := e.mgr.Release(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusReleased, released.Status)

	_, err = e.mgr.Release(ctx, l.ID)
	assert.NoError(t, err, "idempotent")

	_, err = e.mgr.Consume(ctx, l.ID)
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	l2, err := e.mgr.Reserve(ctx, req("k2", 40))
	require.NoError(t, err)
	_, err = e.mgr.Consume(ctx, l2.ID)
	require.NoError(t, err)
	_, err = e.mgr.Release(ctx, l2.ID)
	assert.ErrorIs(t, err, domain.ErrLockNotActive, "consumed locks cannot be released")
}

func TestSweep(t *testing.T) {
	e := newEnv(t, 1000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.mgr.Reserve(ctx, req(fmt.Sprintf("k%d", i), 10))
		require.NoError(t, err)
	}
	e.clock.Advance(10 * time.Minute)

	n, err := e.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, "runs batches of 2 until drained")

	n, err = e.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestReleaseForPrediction(t *testing.T) {
	e := newEnv(t, 1000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.mgr.Reserve(ctx, req(fmt.Sprintf("k%d", i), 10))
		require.NoError(t, err)
	}
	n, err := e.mgr.ReleaseForPrediction(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	sum, err := e.mgr.ActiveSum(ctx, "user")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestRequestHash(t *testing.T) {
	a := escrow.RequestHash("p1", "a", 50)
	assert.Equal(t, a, escrow.RequestHash("p1", "a", 50))
	assert.NotEqual(t, a, escrow.RequestHash("p1", "a", 51))
	assert.NotEqual(t, a, escrow.RequestHash("p1", "b", 50))
	assert.Len(t, a, 64)
}
