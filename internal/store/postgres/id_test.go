package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/store/postgres"
)

// Ids that are not uuids never reach the database, so the stores here run
// without a pool.
func TestMalformedIDs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	const bad = "not-a-uuid"

	locks := postgres.NewEscrowStore(nil)
	_, err := locks.Get(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = locks.Consume(ctx, domain.ConsumeRequest{LockID: bad, EntryID: "e1", Now: now})
	assert.ErrorIs(t, err, domain.ErrLockNotActive)
	_, err = locks.Release(ctx, bad, now)
	assert.ErrorIs(t, err, domain.ErrLockNotActive)
	n, err := locks.ReleaseForPrediction(ctx, bad, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	preds := postgres.NewPredictionStore(nil)
	_, err = preds.GetByID(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	err = preds.Transition(ctx, bad, domain.StatusOpen, domain.StatusClosed, now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entries := postgres.NewEntryStore(nil)
	_, err = entries.GetByID(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	list, err := entries.ListByPrediction(ctx, bad)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = postgres.NewSettlementStore(nil).Get(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = postgres.NewClaimStore(nil).Get(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
