// Package escrow reserves user balance for pending stakes. Reservations are
// idempotent per (user, key), bounded by the user's balance and expire on
// their own if never consumed.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/lifecycle"
)

// DefaultTTL is used when neither the request nor the manager sets one.
const DefaultTTL = 5 * time.Minute

// ReserveRequest asks for funds to be held for one logical stake.
type ReserveRequest struct {
	UserID         string
	PredictionID   string
	OptionID       string
	AmountCents    int64
	IdempotencyKey string
	TTL            time.Duration
}

// Manager implements reserve, consume, release and the expiry sweep on top
// of an EscrowStore.
type Manager struct {
	locks       domain.EscrowStore
	predictions domain.PredictionStore
	ttl         time.Duration
	sweepBatch  int
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDSource replaces uuid generation for lock and entry ids.
func WithIDSource(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// WithSweepBatch bounds how many locks one Sweep call expires.
func WithSweepBatch(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sweepBatch = n
		}
	}
}

// NewManager creates a Manager. ttl is the default lock lifetime.
func NewManager(locks domain.EscrowStore, predictions domain.PredictionStore, ttl time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		locks:       locks,
		predictions: predictions,
		ttl:         ttl,
		sweepBatch:  500,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		logger:      logger.With(slog.String("component", "escrow")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RequestHash fingerprints the payload of a stake request so a reused
// idempotency key with different content can be told apart from a retry.
func RequestHash(predictionID, optionID string, amountCents int64) string {
	sum := sha256.Sum256([]byte(predictionID + "\x00" + optionID + "\x00" + strconv.FormatInt(amountCents, 10)))
	return hex.EncodeToString(sum[:])
}

// Reserve holds AmountCents of the user's balance. A request whose key was
// already used returns the existing lock unchanged, whatever its status.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (domain.EscrowLock, error) {
	if req.UserID == "" || req.IdempotencyKey == "" || req.PredictionID == "" || req.OptionID == "" {
		return domain.EscrowLock{}, fmt.Errorf("escrow: reserve: missing field: %w", domain.ErrInvalidInput)
	}
	if req.AmountCents <= 0 {
		return domain.EscrowLock{}, fmt.Errorf("escrow: reserve: amount %d: %w", req.AmountCents, domain.ErrInvalidInput)
	}
	hash := RequestHash(req.PredictionID, req.OptionID, req.AmountCents)

	existing, err := m.locks.GetByKey(ctx, req.UserID, req.IdempotencyKey)
	switch {
	case err == nil:
		return m.replay(ctx, existing, hash)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.EscrowLock{}, fmt.Errorf("escrow: lookup key: %w", err)
	}

	now := m.now()
	p, err := m.predictions.GetByID(ctx, req.PredictionID)
	if err != nil {
		return domain.EscrowLock{}, fmt.Errorf("escrow: get prediction %s: %w", req.PredictionID, err)
	}
	if !lifecycle.AcceptsStakes(p.Status) || !now.Before(p.EntryDeadline) {
		return domain.EscrowLock{}, fmt.Errorf("escrow: prediction %s is %s: %w", p.ID, p.Status, domain.ErrPredictionNotOpen)
	}
	if _, ok := p.Option(req.OptionID); !ok {
		return domain.EscrowLock{}, fmt.Errorf("escrow: option %s of %s: %w", req.OptionID, p.ID, domain.ErrNotFound)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	lock := domain.EscrowLock{
		ID:             m.newID(),
		UserID:         req.UserID,
		PredictionID:   req.PredictionID,
		OptionID:       req.OptionID,
		AmountCents:    req.AmountCents,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    hash,
		Status:         domain.LockStatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	stored, created, err := m.locks.Insert(ctx, domain.LockInsert{Lock: lock, Now: now})
	if err != nil {
		return domain.EscrowLock{}, fmt.Errorf("escrow: reserve %d for %s: %w", req.AmountCents, req.UserID, err)
	}
	if !created {
		// A concurrent request with the same key won the insert.
		return m.replay(ctx, stored, hash)
	}

	m.logger.InfoContext(ctx, "lock reserved",
		slog.String("lock_id", stored.ID),
		slog.String("user_id", stored.UserID),
		slog.String("prediction_id", stored.PredictionID),
		slog.Int64("amount_cents", stored.AmountCents),
	)
	return stored, nil
}

func (m *Manager) replay(ctx context.Context, lock domain.EscrowLock, hash string) (domain.EscrowLock, error) {
	if lock.RequestHash != hash {
		return domain.EscrowLock{}, fmt.Errorf("escrow: key %q: %w", lock.IdempotencyKey, domain.ErrIdempotencyConflict)
	}
	m.logger.DebugContext(ctx, "lock replayed",
		slog.String("lock_id", lock.ID),
		slog.String("status", string(lock.EffectiveStatus(m.now()))),
	)
	return lock, nil
}

// Consume turns an active lock into an entry. Missing, expired, consumed and
// released locks fail with domain.ErrLockNotActive.
func (m *Manager) Consume(ctx context.Context, lockID string) (domain.Entry, error) {
	entry, err := m.locks.Consume(ctx, domain.ConsumeRequest{
		LockID:  lockID,
		EntryID: m.newID(),
		Now:     m.now(),
	})
	if err != nil {
		return domain.Entry{}, fmt.Errorf("escrow: consume %s: %w", lockID, err)
	}
	m.logger.InfoContext(ctx, "lock consumed",
		slog.String("lock_id", lockID),
		slog.String("entry_id", entry.ID),
		slog.Int64("stake_cents", entry.StakeCents),
	)
	return entry, nil
}

// Release frees an active lock. Releasing an already released lock is a
// no-op that returns the lock.
func (m *Manager) Release(ctx context.Context, lockID string) (domain.EscrowLock, error) {
	lock, err := m.locks.Release(ctx, lockID, m.now())
	if err != nil {
		return domain.EscrowLock{}, fmt.Errorf("escrow: release %s: %w", lockID, err)
	}
	return lock, nil
}

// Get returns a lock with lazy expiry applied to its status.
func (m *Manager) Get(ctx context.Context, lockID string) (domain.EscrowLock, error) {
	lock, err := m.locks.Get(ctx, lockID)
	if err != nil {
		return domain.EscrowLock{}, fmt.Errorf("escrow: get %s: %w", lockID, err)
	}
	lock.Status = lock.EffectiveStatus(m.now())
	return lock, nil
}

// ActiveSum returns the total held by the user's unexpired active locks.
func (m *Manager) ActiveSum(ctx context.Context, userID string) (int64, error) {
	sum, err := m.locks.ActiveSum(ctx, userID, m.now())
	if err != nil {
		return 0, fmt.Errorf("escrow: active sum %s: %w", userID, err)
	}
	return sum, nil
}

// Sweep flips stored-active locks past their expiry to expired. It runs
// batches until one comes back short.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	now := m.now()
	var total int64
	for {
		n, err := m.locks.Expire(ctx, now, m.sweepBatch)
		if err != nil {
			return total, fmt.Errorf("escrow: sweep: %w", err)
		}
		total += n
		if n < int64(m.sweepBatch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	if total > 0 {
		m.logger.InfoContext(ctx, "expired locks swept", slog.Int64("count", total))
	}
	return total, nil
}

// ReleaseForPrediction releases every active lock held against a prediction.
func (m *Manager) ReleaseForPrediction(ctx context.Context, predictionID string) (int64, error) {
	n, err := m.locks.ReleaseForPrediction(ctx, predictionID, m.now())
	if err != nil {
		return 0, fmt.Errorf("escrow: release for %s: %w", predictionID, err)
	}
	return n, nil
}
