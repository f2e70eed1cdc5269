package postgres_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/escrow"
	"github.com/alanyoungcy/stakepool/internal/service"
	"github.com/alanyoungcy/stakepool/internal/store/postgres"
)

// pgStack runs the services over a live database named by
// STAKEPOOL_TEST_PG_DSN. Every test uses fresh user ids so runs can share a
// database.
type pgStack struct {
	accounts    *postgres.AccountStore
	entries     *postgres.EntryStore
	predictions *service.PredictionService
	stakes      *service.StakeService
	settlements *service.SettlementService
}

func newPGStack(t *testing.T) *pgStack {
	t.Helper()
	dsn := os.Getenv("STAKEPOOL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("STAKEPOOL_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	client, err := postgres.New(ctx, postgres.ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.RunMigrations(ctx))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := client.Pool()
	preds := postgres.NewPredictionStore(pool)
	settlements := postgres.NewSettlementStore(pool)
	audit := postgres.NewAuditStore(pool)
	s := &pgStack{
		accounts: postgres.NewAccountStore(pool),
		entries:  postgres.NewEntryStore(pool),
	}
	mgr := escrow.NewManager(postgres.NewEscrowStore(pool), preds, 5*time.Minute, logger)
	s.predictions = service.NewPredictionService(preds, settlements, nil, mgr, nil, audit, logger)
	s.stakes = service.NewStakeService(mgr, s.entries, s.accounts, nil, nil, service.StakeLimit{}, nil, audit, logger)
	s.settlements = service.NewSettlementService(preds, s.entries, settlements, nil, nil, nil, audit, nil, logger)
	return s
}

func (s *pgStack) user(t *testing.T, cents int64) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.accounts.Upsert(context.Background(), domain.Account{
		UserID:        id,
		BalanceCents:  cents,
		WalletAddress: "0x" + strings.ReplaceAll(id, "-", "") + "00000000",
		UpdatedAt:     time.Now().UTC(),
	}))
	return id
}

func (s *pgStack) create(t *testing.T) domain.Prediction {
	t.Helper()
	p, err := s.predictions.Create(context.Background(), service.CreatePredictionRequest{
		CreatorID:     "creator",
		Title:         "Who wins the final?",
		EntryDeadline: time.Now().Add(time.Hour),
		Fees:          domain.FeeSchedule{PlatformBps: 300},
		Options:       []string{"home", "away"},
	})
	require.NoError(t, err)
	return p
}

func TestPostgres_ConcurrentReserveSameKey(t *testing.T) {
	s := newPGStack(t)
	ctx := context.Background()
	u := s.user(t, 1_000)
	p := s.create(t)

	const n = 8
	ids := make([]string, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			lock, err := s.stakes.Reserve(ctx, service.StakeRequest{
				UserID: u, PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 300, IdempotencyKey: "same",
			})
			ids[i] = lock.ID
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id, "one lock per key")
	}

	bal, err := s.stakes.Balance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal.HeldCents)
	assert.Equal(t, int64(700), bal.AvailableCents)
}

func TestPostgres_ReserveHoldsAgainstBalance(t *testing.T) {
	s := newPGStack(t)
	ctx := context.Background()
	u := s.user(t, 500)
	p := s.create(t)

	var g errgroup.Group
	results := make([]error, 4)
	for i := range results {
		g.Go(func() error {
			_, results[i] = s.stakes.Reserve(ctx, service.StakeRequest{
				UserID: u, PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 200, IdempotencyKey: uuid.NewString(),
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	held := 0
	for _, err := range results {
		if err == nil {
			held++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 2, held, "500 cents covers two holds of 200")

	bal, err := s.stakes.Balance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(400), bal.HeldCents)
}

func TestPostgres_ConsumeOnClosedPredictionReleases(t *testing.T) {
	s := newPGStack(t)
	ctx := context.Background()
	u := s.user(t, 1_000)
	p := s.create(t)

	lock, err := s.stakes.Reserve(ctx, service.StakeRequest{
		UserID: u, PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 250, IdempotencyKey: "k",
	})
	require.NoError(t, err)
	_, err = s.predictions.Transition(ctx, p.ID, domain.StatusClosed, "admin")
	require.NoError(t, err)

	_, err = s.stakes.Consume(ctx, u, lock.ID)
	assert.ErrorIs(t, err, domain.ErrPredictionNotOpen)

	// The release is committed even though consume failed.
	_, err = s.stakes.Consume(ctx, u, lock.ID)
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	bal, err := s.stakes.Balance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), bal.BalanceCents)
	assert.Zero(t, bal.HeldCents)
}

func TestPostgres_SettleOnce(t *testing.T) {
	s := newPGStack(t)
	ctx := context.Background()
	p := s.create(t)

	var winners []string
	for i, cents := range []int64{400, 200, 100} {
		res, err := s.stakes.PlaceStake(ctx, service.StakeRequest{
			UserID: s.user(t, 1_000), PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: cents, IdempotencyKey: "k",
		})
		require.NoError(t, err, "stake %d", i)
		winners = append(winners, res.Entry.ID)
	}
	_, err := s.stakes.PlaceStake(ctx, service.StakeRequest{
		UserID: s.user(t, 1_000), PredictionID: p.ID, OptionID: p.Options[1].ID, AmountCents: 300, IdempotencyKey: "k",
	})
	require.NoError(t, err)

	_, err = s.predictions.Transition(ctx, p.ID, domain.StatusClosed, "admin")
	require.NoError(t, err)

	records := make([]domain.SettlementRecord, 2)
	var g errgroup.Group
	for i, opt := range []string{p.Options[0].ID, p.Options[1].ID} {
		g.Go(func() error {
			var err error
			records[i], err = s.settlements.Settle(ctx, p.ID, opt, "admin")
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, records[0].WinningOptionID, records[1].WinningOptionID, "one settlement wins")
	assert.Equal(t, records[0].Payouts, records[1].Payouts)

	again, err := s.settlements.Settle(ctx, p.ID, records[0].WinningOptionID, "other")
	require.NoError(t, err)
	assert.Equal(t, records[0].Payouts, again.Payouts)
	assert.Equal(t, "admin", again.SettledBy)

	got, err := s.predictions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, got.Status)

	if records[0].WinningOptionID == p.Options[0].ID {
		assert.Equal(t, map[string]int64{winners[0]: 566, winners[1]: 283, winners[2]: 142}, records[0].Payouts)
	}
}
