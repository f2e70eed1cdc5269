package service_test

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

	"github.com/alanyoungcy/stakepool/internal/crypto"
	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/escrow"
	"github.com/alanyoungcy/stakepool/internal/service"
	"github.com/alanyoungcy/stakepool/internal/store/sqlite"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

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

type published struct {
	channel string
	payload []byte
}

// memBus records everything written to it.
type memBus struct {
	mu      sync.Mutex
	pub     []published
	streams map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pub = append(b.pub, published{channel, payload})
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, fmt.Errorf("memBus: subscribe not supported")
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = make(map[string][][]byte)
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.pub {
		out = append(out, p.channel)
	}
	return out
}

type alertRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *alertRecorder) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *alertRecorder) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type memArchiver struct {
	archives []domain.SettlementArchive
}

func (m *memArchiver) Archive(_ context.Context, a domain.SettlementArchive) (string, error) {
	m.archives = append(m.archives, a)
	return "settlements/" + a.Record.PredictionID + ".json", nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyLimiter) Wait(context.Context, string) error                              { return nil }

type harness struct {
	db          *sqlite.DB
	clock       *clock
	accounts    *sqlite.AccountStore
	entries     *sqlite.EntryStore
	claimStore  *sqlite.ClaimStore
	bus         *memBus
	alerts      *alertRecorder
	archiver    *memArchiver
	signer      *crypto.Signer
	escrow      *escrow.Manager
	predictions *service.PredictionService
	stakes      *service.StakeService
	settlements *service.SettlementService
	claims      *service.ClaimService
}

// newHarness wires every service over one in-memory database. With
// autoPublish the settlement service publishes claims inline.
func newHarness(t *testing.T, autoPublish bool) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	h := &harness{
		db:         db,
		clock:      c,
		accounts:   sqlite.NewAccountStore(db),
		entries:    sqlite.NewEntryStore(db),
		claimStore: sqlite.NewClaimStore(db),
		bus:        &memBus{},
		alerts:     &alertRecorder{},
		archiver:   &memArchiver{},
	}
	h.signer, err = crypto.NewSigner(testKey, 137, contract)
	require.NoError(t, err)

	preds := sqlite.NewPredictionStore(db)
	settlements := sqlite.NewSettlementStore(db)
	audit := sqlite.NewAuditStore(db)

	h.escrow = escrow.NewManager(sqlite.NewEscrowStore(db), preds, 5*time.Minute, logger, escrow.WithClock(c.Now))
	h.predictions = service.NewPredictionService(preds, settlements, nil, h.escrow, h.bus, audit, logger).WithClock(c.Now)
	h.stakes = service.NewStakeService(h.escrow, h.entries, h.accounts, nil, nil, service.StakeLimit{}, h.bus, audit, logger)
	h.claims = service.NewClaimService(settlements, h.entries, preds, h.claimStore, nil, h.signer, h.bus, h.archiver, audit, h.alerts, logger).WithClock(c.Now)

	var publisher service.ClaimPublisher
	if autoPublish {
		publisher = h.claims
	}
	h.settlements = service.NewSettlementService(preds, h.entries, settlements, nil, publisher, h.bus, audit, h.alerts, logger).WithClock(c.Now)
	return h
}

func wallet(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

func (h *harness) fund(t *testing.T, user string, i int, cents int64) {
	t.Helper()
	require.NoError(t, h.accounts.Upsert(context.Background(), domain.Account{
		UserID:        user,
		BalanceCents:  cents,
		WalletAddress: wallet(i),
		UpdatedAt:     h.clock.Now(),
	}))
}

func (h *harness) create(t *testing.T, fees domain.FeeSchedule) domain.Prediction {
	t.Helper()
	p, err := h.predictions.Create(context.Background(), service.CreatePredictionRequest{
		CreatorID:     "creator",
		Title:         "Who wins the final?",
		EntryDeadline: h.clock.Now().Add(time.Hour),
		Fees:          fees,
		Options:       []string{"home", "away"},
	})
	require.NoError(t, err)
	return p
}

func (h *harness) stake(t *testing.T, user string, p domain.Prediction, option int, cents int64) domain.Entry {
	t.Helper()
	res, err := h.stakes.PlaceStake(context.Background(), service.StakeRequest{
		UserID:         user,
		PredictionID:   p.ID,
		OptionID:       p.Options[option].ID,
		AmountCents:    cents,
		IdempotencyKey: fmt.Sprintf("%s-%s-%d", user, p.ID, cents),
	})
	require.NoError(t, err)
	return res.Entry
}

func TestPredictionService_CreateValidation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		req  service.CreatePredictionRequest
	}{
		{"no title", service.CreatePredictionRequest{CreatorID: "c", Options: []string{"a", "b"}, EntryDeadline: h.clock.Now().Add(time.Hour)}},
		{"one option", service.CreatePredictionRequest{CreatorID: "c", Title: "t", Options: []string{"a"}, EntryDeadline: h.clock.Now().Add(time.Hour)}},
		{"duplicate options", service.CreatePredictionRequest{CreatorID: "c", Title: "t", Options: []string{"Yes", "yes "}, EntryDeadline: h.clock.Now().Add(time.Hour)}},
		{"fees over 100%", service.CreatePredictionRequest{CreatorID: "c", Title: "t", Options: []string{"a", "b"}, Fees: domain.FeeSchedule{PlatformBps: 6000, CreatorBps: 5000}, EntryDeadline: h.clock.Now().Add(time.Hour)}},
		{"past deadline", service.CreatePredictionRequest{CreatorID: "c", Title: "t", Options: []string{"a", "b"}, EntryDeadline: h.clock.Now()}},
		{"settled initial status", service.CreatePredictionRequest{CreatorID: "c", Title: "t", Options: []string{"a", "b"}, Status: domain.StatusSettled, EntryDeadline: h.clock.Now().Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.predictions.Create(ctx, tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	p := h.create(t, domain.FeeSchedule{PlatformBps: 300})
	assert.Equal(t, domain.StatusOpen, p.Status)
	assert.Equal(t, domain.OddsModelPoolV2, p.OddsModel)
	require.Len(t, p.Options, 2)

	got, err := h.predictions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Options[1].ID, got.Options[1].ID)
	assert.Contains(t, h.bus.channels(), domain.ChannelPredictions)
}

func TestPredictionService_TransitionRules(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.create(t, domain.FeeSchedule{})

	_, err := h.predictions.Transition(ctx, p.ID, domain.StatusSettled, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.predictions.Transition(ctx, p.ID, domain.StatusAwaitingSettlement, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := h.predictions.Transition(ctx, p.ID, domain.StatusEnded, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)

	_, err = h.predictions.Transition(ctx, "missing", domain.StatusClosed, "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPredictionService_CancelReleasesLocks(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	p := h.create(t, domain.FeeSchedule{})

	lock, err := h.stakes.Reserve(ctx, service.StakeRequest{
		UserID: "u1", PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 600, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	bal, err := h.stakes.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal.HeldCents)
	assert.Equal(t, int64(400), bal.AvailableCents)

	_, err = h.predictions.Transition(ctx, p.ID, domain.StatusCancelled, "admin")
	require.NoError(t, err)

	got, err := h.escrow.Get(ctx, lock.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusReleased, got.Status)

	bal, err = h.stakes.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.HeldCents)
	assert.Equal(t, int64(1000), bal.AvailableCents)
}

func TestPredictionService_Refund(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	h.fund(t, "u2", 2, 1000)
	p := h.create(t, domain.FeeSchedule{PlatformBps: 300})
	h.stake(t, "u1", p, 0, 400)
	h.stake(t, "u2", p, 1, 300)

	_, err := h.predictions.Refund(ctx, p.ID, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.predictions.Transition(ctx, p.ID, domain.StatusCancelled, "admin")
	require.NoError(t, err)
	n, err := h.predictions.Refund(ctx, p.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, user := range []string{"u1", "u2"} {
		acct, err := h.accounts.Get(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), acct.BalanceCents, user)
	}
	got, err := h.predictions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, got.Status)
}

func TestPredictionService_Preview(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	p := h.create(t, domain.FeeSchedule{PlatformBps: 300})
	h.stake(t, "u1", p, 1, 300)

	_, err := h.predictions.Preview(ctx, p.ID, p.Options[0].ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.predictions.Preview(ctx, p.ID, "nope", 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	q, err := h.predictions.Preview(ctx, p.ID, p.Options[0].ID, 700)
	require.NoError(t, err)
	assert.Nil(t, q.MultiplePre)
	require.NotNil(t, q.Preview)
	assert.Equal(t, int64(991), q.Preview.DistributableCents)
}

func TestPredictionService_CloseDue(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	p := h.create(t, domain.FeeSchedule{})

	n, err := h.predictions.CloseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.predictions.CloseDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.predictions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
}

func TestStakeService_ReplayReturnsSameEntry(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	p := h.create(t, domain.FeeSchedule{})

	req := service.StakeRequest{UserID: "u1", PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 250, IdempotencyKey: "same"}
	first, err := h.stakes.PlaceStake(ctx, req)
	require.NoError(t, err)
	second, err := h.stakes.PlaceStake(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, domain.LockStatusConsumed, second.Lock.Status)

	bal, err := h.stakes.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), bal.BalanceCents)
	assert.Equal(t, wallet(1), bal.WalletAddress)

	req.AmountCents = 300
	_, err = h.stakes.PlaceStake(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	entries, err := h.stakes.Entries(ctx, "u1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// racingEscrow lets another request with the same key consume the lock
// just before the caller's own consume runs.
type racingEscrow struct {
	domain.EscrowStore
	once sync.Once
}

func (r *racingEscrow) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.Entry, error) {
	var err error
	r.once.Do(func() {
		other := req
		other.EntryID = "entry-of-first-request"
		_, err = r.EscrowStore.Consume(ctx, other)
	})
	if err != nil {
		return domain.Entry{}, err
	}
	return r.EscrowStore.Consume(ctx, req)
}

func TestStakeService_ConcurrentReplayReturnsWinnerEntry(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	p := h.create(t, domain.FeeSchedule{})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	racing := &racingEscrow{EscrowStore: sqlite.NewEscrowStore(h.db)}
	mgr := escrow.NewManager(racing, sqlite.NewPredictionStore(h.db), 5*time.Minute, logger, escrow.WithClock(h.clock.Now))
	stakes := service.NewStakeService(mgr, h.entries, h.accounts, nil, nil, service.StakeLimit{}, nil, nil, logger)

	res, err := stakes.PlaceStake(ctx, service.StakeRequest{
		UserID: "u1", PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 250, IdempotencyKey: "retry",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "entry-of-first-request", res.Entry.ID)
	assert.Equal(t, domain.LockStatusConsumed, res.Lock.Status)

	bal, err := stakes.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), bal.BalanceCents, "debited once")
	assert.Zero(t, bal.HeldCents)
}

func TestStakeService_Ownership(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	p := h.create(t, domain.FeeSchedule{})

	lock, err := h.stakes.Reserve(ctx, service.StakeRequest{
		UserID: "u1", PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 100, IdempotencyKey: "k",
	})
	require.NoError(t, err)

	_, err = h.stakes.Consume(ctx, "u2", lock.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.stakes.Release(ctx, "u2", lock.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.stakes.Consume(ctx, "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrLockNotActive)

	entry, err := h.stakes.Consume(ctx, "u1", lock.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.StakeCents)
	assert.Equal(t, wallet(1), entry.ClaimAddress)
}

func TestStakeService_InsufficientBalance(t *testing.T) {
	h := newHarness(t, false)
	h.fund(t, "u1", 1, 100)
	p := h.create(t, domain.FeeSchedule{})

	_, err := h.stakes.PlaceStake(context.Background(), service.StakeRequest{
		UserID: "u1", PredictionID: p.ID, OptionID: p.Options[0].ID, AmountCents: 101, IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestStakeService_RateLimited(t *testing.T) {
	h := newHarness(t, false)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limited := service.NewStakeService(h.escrow, h.entries, h.accounts, nil, denyLimiter{},
		service.StakeLimit{Requests: 1, Window: time.Second}, nil, nil, logger)

	_, err := limited.PlaceStake(context.Background(), service.StakeRequest{UserID: "u1", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSettlementService_SettleAndPublish(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	for i, u := range []string{"u1", "u2", "u3", "u4"} {
		h.fund(t, u, i+1, 1000)
	}
	p := h.create(t, domain.FeeSchedule{PlatformBps: 300})
	e1 := h.stake(t, "u1", p, 0, 400)
	e2 := h.stake(t, "u2", p, 0, 200)
	e3 := h.stake(t, "u3", p, 0, 100)
	e4 := h.stake(t, "u4", p, 1, 300)

	_, err := h.settlements.Settle(ctx, p.ID, p.Options[0].ID, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "open predictions cannot settle")

	_, err = h.predictions.Transition(ctx, p.ID, domain.StatusClosed, "admin")
	require.NoError(t, err)
	_, err = h.settlements.Settle(ctx, p.ID, "nope", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rec, err := h.settlements.Settle(ctx, p.ID, p.Options[0].ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(700), rec.WinningPoolCents)
	assert.Equal(t, int64(300), rec.LosingPoolCents)
	assert.Equal(t, int64(9), rec.PlatformFeeCents)
	assert.Equal(t, int64(0), rec.CreatorFeeCents)
	assert.Equal(t, int64(991), rec.DistributableCents)
	assert.Equal(t, map[string]int64{e1.ID: 566, e2.ID: 283, e3.ID: 142}, rec.Payouts)

	lost, err := h.entries.GetByID(ctx, e4.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusLost, lost.Status)

	again, err := h.settlements.Settle(ctx, p.ID, p.Options[1].ID, "other")
	require.NoError(t, err)
	assert.Equal(t, rec.Payouts, again.Payouts)
	assert.Equal(t, "admin", again.SettledBy)

	claim, err := h.claimStore.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, claim.Leaves, 3)
	assert.NotEmpty(t, claim.Signature)
	assert.Equal(t, []string{"settlement_completed", "root_published"}, h.alerts.seen())
	assert.Len(t, h.bus.streams[domain.StreamRoots], 1)
	require.Len(t, h.archiver.archives, 1)
	assert.Len(t, h.archiver.archives[0].Entries, 4)

	// Publishing again is a no-op that returns the stored claim.
	again2, err := h.claims.Publish(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.Root, again2.Root)
	assert.Len(t, h.archiver.archives, 1)
}

func TestClaimService_GetProof(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	for i, u := range []string{"u1", "u2", "u3"} {
		h.fund(t, u, i+1, 1000)
	}
	p := h.create(t, domain.FeeSchedule{PlatformBps: 200, CreatorBps: 100})
	h.stake(t, "u1", p, 0, 500)
	h.stake(t, "u2", p, 0, 250)
	h.stake(t, "u3", p, 1, 250)
	_, err := h.predictions.Transition(ctx, p.ID, domain.StatusClosed, "admin")
	require.NoError(t, err)
	_, err = h.settlements.Settle(ctx, p.ID, p.Options[0].ID, "admin")
	require.NoError(t, err)

	proof, err := h.claims.GetProof(ctx, p.ID, wallet(1))
	require.NoError(t, err)
	// 1000 - floor(250*2%) - floor(250*1%) = 993; 500/750 of it.
	assert.Equal(t, int64(662), proof.AmountCents)
	assert.NotEmpty(t, proof.Proof)
	assert.Contains(t, proof.Calldata, "0x")

	_, err = h.claims.GetProof(ctx, p.ID, wallet(3))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.claims.GetProof(ctx, p.ID, "not-an-address")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSettlementService_NoWinningStake(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	p := h.create(t, domain.FeeSchedule{})
	h.stake(t, "u1", p, 1, 300)
	_, err := h.predictions.Transition(ctx, p.ID, domain.StatusClosed, "admin")
	require.NoError(t, err)

	_, err = h.settlements.Settle(ctx, p.ID, p.Options[0].ID, "admin")
	assert.ErrorIs(t, err, domain.ErrNoWinningStake)

	got, err := h.predictions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
}

func TestSettlementService_IntegrityViolationHalts(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	h.fund(t, "u2", 2, 1000)
	p := h.create(t, domain.FeeSchedule{})
	h.stake(t, "u1", p, 0, 300)
	h.stake(t, "u2", p, 1, 300)
	_, err := h.predictions.Transition(ctx, p.ID, domain.StatusClosed, "admin")
	require.NoError(t, err)

	_, err = h.db.SQL().ExecContext(ctx,
		`UPDATE prediction_options SET total_staked_cents = total_staked_cents + 1 WHERE id = ?`, p.Options[0].ID)
	require.NoError(t, err)

	_, err = h.settlements.Settle(ctx, p.ID, p.Options[0].ID, "admin")
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
	assert.Equal(t, []string{"data_integrity"}, h.alerts.seen())

	_, err = h.settlements.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimService_PublishPending(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fund(t, "u1", 1, 1000)
	h.fund(t, "u2", 2, 1000)
	p := h.create(t, domain.FeeSchedule{PlatformBps: 100})
	h.stake(t, "u1", p, 0, 300)
	h.stake(t, "u2", p, 1, 300)
	_, err := h.predictions.Transition(ctx, p.ID, domain.StatusClosed, "admin")
	require.NoError(t, err)
	_, err = h.settlements.Settle(ctx, p.ID, p.Options[0].ID, "admin")
	require.NoError(t, err)

	_, err = h.claims.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := h.claims.PublishPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.claims.PublishPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	claim, err := h.claims.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, claim.Leaves, 1)
	assert.Equal(t, int64(597), claim.Leaves[0].AmountCents)
}
