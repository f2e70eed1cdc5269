package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/store/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db          *sqlite.DB
	predictions *sqlite.PredictionStore
	accounts    *sqlite.AccountStore
	entries     *sqlite.EntryStore
	locks       *sqlite.EscrowStore
	settlements *sqlite.SettlementStore
	claims      *sqlite.ClaimStore
	audit       *sqlite.AuditStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{
		db:          db,
		predictions: sqlite.NewPredictionStore(db),
		accounts:    sqlite.NewAccountStore(db),
		entries:     sqlite.NewEntryStore(db),
		locks:       sqlite.NewEscrowStore(db),
		settlements: sqlite.NewSettlementStore(db),
		claims:      sqlite.NewClaimStore(db),
		audit:       sqlite.NewAuditStore(db),
	}
}

func makePrediction(id string, status domain.PredictionStatus) domain.Prediction {
	return domain.Prediction{
		ID:            id,
		CreatorID:     "creator",
		Title:         "Will it rain?",
		Status:        status,
		EntryDeadline: t0.Add(time.Hour),
		Fees:          domain.FeeSchedule{PlatformBps: 300},
		OddsModel:     domain.OddsModelPoolV2,
		CreatedAt:     t0,
		UpdatedAt:     t0,
		Options: []domain.Option{
			{ID: id + "-a", Label: "yes", Position: 0},
			{ID: id + "-b", Label: "no", Position: 1},
		},
	}
}

func (f *fixture) fund(t *testing.T, user string, cents int64) {
	t.Helper()
	require.NoError(t, f.accounts.Upsert(context.Background(), domain.Account{
		UserID:        user,
		BalanceCents:  cents,
		WalletAddress: "0x00000000000000000000000000000000000000" + user,
		UpdatedAt:     t0,
	}))
}

func (f *fixture) stake(t *testing.T, user, predictionID, optionID, key string, cents int64) domain.Entry {
	t.Helper()
	ctx := context.Background()
	lock, created, err := f.locks.Insert(ctx, domain.LockInsert{
		Lock: domain.EscrowLock{
			ID: "lock-" + key, UserID: user, PredictionID: predictionID, OptionID: optionID,
			AmountCents: cents, IdempotencyKey: key, RequestHash: "h-" + key,
			CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute),
		},
		Now: t0,
	})
	require.NoError(t, err)
	require.True(t, created)
	entry, err := f.locks.Consume(ctx, domain.ConsumeRequest{LockID: lock.ID, EntryID: "entry-" + key, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	return entry
}

func TestPredictionStore_CreateGetTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := makePrediction("p1", domain.StatusPending)
	require.NoError(t, f.predictions.Create(ctx, p))

	got, err := f.predictions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Title, got.Title)
	assert.Equal(t, p.EntryDeadline, got.EntryDeadline)
	assert.Equal(t, p.Fees, got.Fees)
	require.Len(t, got.Options, 2)
	assert.Equal(t, "p1-a", got.Options[0].ID)

	require.NoError(t, f.predictions.Transition(ctx, "p1", domain.StatusPending, domain.StatusOpen, t0))
	err = f.predictions.Transition(ctx, "p1", domain.StatusPending, domain.StatusOpen, t0)
	assert.ErrorIs(t, err, domain.ErrConflict)
	err = f.predictions.Transition(ctx, "nope", domain.StatusPending, domain.StatusOpen, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	due, err := f.predictions.ListDueForClose(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Len(t, due[0].Options, 2)

	due, err = f.predictions.ListDueForClose(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = f.predictions.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEscrowStore_InsertRespectsBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.predictions.Create(ctx, makePrediction("p1", domain.StatusOpen)))
	f.fund(t, "u1", 100)

	insert := func(key string, cents int64, expires time.Time) (domain.EscrowLock, bool, error) {
		return f.locks.Insert(ctx, domain.LockInsert{
			Lock: domain.EscrowLock{
				ID: "lock-" + key, UserID: "u1", PredictionID: "p1", OptionID: "p1-a",
				AmountCents: cents, IdempotencyKey: key, RequestHash: "h",
				CreatedAt: t0, ExpiresAt: expires,
			},
			Now: t0,
		})
	}

	_, created, err := insert("k1", 60, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = insert("k2", 50, t0.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	again, created, err := insert("k1", 60, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "lock-k1", again.ID)

	sum, err := f.locks.ActiveSum(ctx, "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(60), sum)

	// Past expiry the hold no longer counts.
	sum, err = f.locks.ActiveSum(ctx, "u1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	_, _, err = insert("nobody", 1, t0.Add(time.Minute))
	require.NoError(t, err, "same user, fits in the remaining 40")
}

func TestEscrowStore_ConsumeDebitsAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.predictions.Create(ctx, makePrediction("p1", domain.StatusOpen)))
	f.fund(t, "u1", 500)

	entry := f.stake(t, "u1", "p1", "p1-a", "k1", 200)
	assert.Equal(t, int64(200), entry.StakeCents)
	assert.Equal(t, domain.EntryStatusActive, entry.Status)
	assert.NotEmpty(t, entry.ClaimAddress)

	acct, err := f.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), acct.BalanceCents)

	p, err := f.predictions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.Options[0].TotalStakedCents)

	lock, err := f.locks.Get(ctx, "lock-k1")
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusConsumed, lock.Status)
	assert.Equal(t, entry.ID, lock.EntryID)

	_, err = f.locks.Consume(ctx, domain.ConsumeRequest{LockID: "lock-k1", EntryID: "again", Now: t0})
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	_, err = f.locks.Consume(ctx, domain.ConsumeRequest{LockID: "missing", EntryID: "x", Now: t0})
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	got, err := f.entries.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PayoutCents)
}

func TestEscrowStore_ConsumeAfterCloseReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.predictions.Create(ctx, makePrediction("p1", domain.StatusOpen)))
	f.fund(t, "u1", 500)

	lock, _, err := f.locks.Insert(ctx, domain.LockInsert{
		Lock: domain.EscrowLock{
			ID: "l1", UserID: "u1", PredictionID: "p1", OptionID: "p1-a",
			AmountCents: 100, IdempotencyKey: "k", RequestHash: "h",
			CreatedAt: t0, ExpiresAt: t0.Add(time.Minute),
		},
		Now: t0,
	})
	require.NoError(t, err)
	require.NoError(t, f.predictions.Transition(ctx, "p1", domain.StatusOpen, domain.StatusClosed, t0))

	_, err = f.locks.Consume(ctx, domain.ConsumeRequest{LockID: lock.ID, EntryID: "e1", Now: t0})
	assert.ErrorIs(t, err, domain.ErrPredictionNotOpen)

	stored, err := f.locks.Get(ctx, lock.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusReleased, stored.Status)

	acct, err := f.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.BalanceCents)
}

func TestEscrowStore_ReleaseAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.predictions.Create(ctx, makePrediction("p1", domain.StatusOpen)))
	f.fund(t, "u1", 500)

	for i, key := range []string{"a", "b", "c"} {
		_, _, err := f.locks.Insert(ctx, domain.LockInsert{
			Lock: domain.EscrowLock{
				ID: key, UserID: "u1", PredictionID: "p1", OptionID: "p1-a",
				AmountCents: 10, IdempotencyKey: key, RequestHash: "h",
				CreatedAt: t0, ExpiresAt: t0.Add(time.Duration(i+1) * time.Minute),
			},
			Now: t0,
		})
		require.NoError(t, err)
	}

	l, err := f.locks.Release(ctx, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusReleased, l.Status)

	l, err = f.locks.Release(ctx, "a", t0.Add(time.Hour))
	require.NoError(t, err, "second release is a no-op")
	assert.Equal(t, domain.LockStatusReleased, l.Status)

	_, err = f.locks.Release(ctx, "missing", t0)
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	// b expired at t0+2m; c is still live at t0+150s.
	_, err = f.locks.Release(ctx, "b", t0.Add(150*time.Second))
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	n, err := f.locks.Expire(ctx, t0.Add(150*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	b, err := f.locks.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusExpired, b.Status)

	n, err = f.locks.ReleaseForPrediction(ctx, "p1", t0.Add(150*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sum, err := f.locks.ActiveSum(ctx, "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)
}

func settleFixture(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.predictions.Create(ctx, makePrediction("p1", domain.StatusOpen)))
	for _, u := range []string{"a1", "a2", "a3", "b1"} {
		f.fund(t, u, 1000)
	}
	f.stake(t, "a1", "p1", "p1-a", "e1", 400)
	f.stake(t, "a2", "p1", "p1-a", "e2", 200)
	f.stake(t, "a3", "p1", "p1-a", "e3", 100)
	f.stake(t, "b1", "p1", "p1-b", "e4", 300)
	require.NoError(t, f.predictions.Transition(ctx, "p1", domain.StatusOpen, domain.StatusClosed, t0))
}

func TestSettlementStore_SettleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	settleFixture(t, f)

	rec := domain.SettlementRecord{
		PredictionID:       "p1",
		WinningOptionID:    "p1-a",
		WinningPoolCents:   700,
		LosingPoolCents:    300,
		PlatformFeeCents:   9,
		DistributableCents: 991,
		Payouts:            map[string]int64{"entry-e1": 566, "entry-e2": 283, "entry-e3": 142},
		SettledBy:          "admin",
		CreatedAt:          t0.Add(2 * time.Hour),
	}
	got, created, err := f.settlements.Settle(ctx, domain.SettleRequest{Record: rec, FromStatus: domain.StatusClosed})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, rec.Payouts, got.Payouts)

	p, err := f.predictions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, p.Status)
	require.NotNil(t, p.SettledAt)
	assert.Equal(t, domain.OutcomeWon, p.Options[0].Outcome)
	assert.Equal(t, domain.OutcomeLost, p.Options[1].Outcome)

	entries, err := f.entries.ListByPrediction(ctx, "p1")
	require.NoError(t, err)
	var paid int64
	for _, e := range entries {
		require.NotNil(t, e.PayoutCents)
		paid += *e.PayoutCents
		if e.OptionID == "p1-b" {
			assert.Equal(t, domain.EntryStatusLost, e.Status)
		} else {
			assert.Equal(t, domain.EntryStatusWon, e.Status)
		}
	}
	assert.Equal(t, int64(991), paid)

	// A second settlement with different numbers returns the first record.
	rec2 := rec
	rec2.Payouts = map[string]int64{"entry-e1": 991}
	again, created, err := f.settlements.Settle(ctx, domain.SettleRequest{Record: rec2, FromStatus: domain.StatusClosed})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.Payouts, again.Payouts)

	ids, err := f.settlements.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)
}

func TestSettlementStore_SettleRejectsIncompletePayouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	settleFixture(t, f)

	rec := domain.SettlementRecord{
		PredictionID:       "p1",
		WinningOptionID:    "p1-a",
		DistributableCents: 991,
		Payouts:            map[string]int64{"entry-e1": 991},
		CreatedAt:          t0,
	}
	_, _, err := f.settlements.Settle(ctx, domain.SettleRequest{Record: rec, FromStatus: domain.StatusClosed})
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)

	p, err := f.predictions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, p.Status, "rolled back")

	_, _, err = f.settlements.Settle(ctx, domain.SettleRequest{Record: rec, FromStatus: domain.StatusDisputed})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSettlementStore_Refund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	settleFixture(t, f)
	require.NoError(t, f.predictions.Transition(ctx, "p1", domain.StatusClosed, domain.StatusCancelled, t0))

	n, err := f.settlements.Refund(ctx, domain.RefundRequest{
		PredictionID: "p1", FromStatus: domain.StatusCancelled, Actor: "admin", Now: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	for _, u := range []string{"a1", "a2", "a3", "b1"} {
		acct, err := f.accounts.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), acct.BalanceCents, u)
	}

	p, err := f.predictions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, p.Status)
	for _, o := range p.Options {
		assert.Equal(t, domain.OutcomeVoid, o.Outcome)
	}

	_, err = f.settlements.Refund(ctx, domain.RefundRequest{PredictionID: "p1", FromStatus: domain.StatusCancelled, Now: t0})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestClaimStore_CreateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.predictions.Create(ctx, makePrediction("p1", domain.StatusSettled)))

	claim := domain.MerkleClaim{
		PredictionID: "p1",
		Root:         domain.Hash{1, 2, 3},
		Leaves:       []domain.ClaimLeaf{{Address: "0x00000000000000000000000000000000000000aa", AmountCents: 991}},
		PostedAt:     t0,
	}
	stored, created, err := f.claims.Create(ctx, claim)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, claim.Root, stored.Root)

	other := claim
	other.Root = domain.Hash{9}
	stored, created, err = f.claims.Create(ctx, other)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, claim.Root, stored.Root)
	assert.Equal(t, claim.Leaves, stored.Leaves)

	_, err = f.claims.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 100)

	// Upsert never overwrites the balance.
	require.NoError(t, f.accounts.Upsert(ctx, domain.Account{UserID: "u1", BalanceCents: 9999, WalletAddress: "0xabc"}))
	acct, err := f.accounts.Credit(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(150), acct.BalanceCents)
	assert.Equal(t, "0xabc", acct.WalletAddress)

	_, err = f.accounts.Credit(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.accounts.Credit(ctx, "u1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAuditStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.audit.Log(ctx, "prediction_settled", map[string]any{"prediction_id": "p1"}))
	require.NoError(t, f.audit.Log(ctx, "root_published", map[string]any{"prediction_id": "p1"}))

	entries, err := f.audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "root_published", entries[0].Event)
	assert.Equal(t, "p1", entries[0].Detail["prediction_id"])
}
