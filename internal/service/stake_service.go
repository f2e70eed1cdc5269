package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/escrow"
)

// StakeRequest is a user's request to stake on an option.
type StakeRequest struct {
	UserID         string
	PredictionID   string
	OptionID       string
	AmountCents    int64
	IdempotencyKey string
}

// StakeResult is the lock that backed a stake and the entry it became.
type StakeResult struct {
	Lock  domain.EscrowLock `json:"lock"`
	Entry domain.Entry      `json:"entry"`

	// Replayed is set when the idempotency key matched an earlier stake.
	Replayed bool `json:"replayed"`
}

// Balance is a user's balance split into held and available funds.
type Balance struct {
	UserID         string `json:"user_id"`
	BalanceCents   int64  `json:"balance_cents"`
	HeldCents      int64  `json:"held_cents"`
	AvailableCents int64  `json:"available_cents"`
	WalletAddress  string `json:"wallet_address,omitempty"`
}

// StakeLimit bounds how many stake requests one user may send per window.
type StakeLimit struct {
	Requests int
	Window   time.Duration
}

// StakeService turns stake requests into entries through the escrow manager.
type StakeService struct {
	escrow   *escrow.Manager
	entries  domain.EntryStore
	accounts domain.AccountStore
	cache    domain.PredictionCache
	limiter  domain.RateLimiter
	limit    StakeLimit
	fx       sideEffects
	logger   *slog.Logger
}

// NewStakeService creates a StakeService. cache, limiter, bus and audit may
// be nil.
func NewStakeService(
	escrowMgr *escrow.Manager,
	entries domain.EntryStore,
	accounts domain.AccountStore,
	cache domain.PredictionCache,
	limiter domain.RateLimiter,
	limit StakeLimit,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *StakeService {
	logger = logger.With(slog.String("component", "stake_service"))
	return &StakeService{
		escrow:   escrowMgr,
		entries:  entries,
		accounts: accounts,
		cache:    cache,
		limiter:  limiter,
		limit:    limit,
		fx:       sideEffects{bus: bus, audit: audit, logger: logger},
		logger:   logger,
	}
}

// PlaceStake reserves the amount and immediately consumes the lock. A retry
// with the same idempotency key returns the original entry. When the
// consume fails the lock is released so the funds are not held until expiry.
func (s *StakeService) PlaceStake(ctx context.Context, req StakeRequest) (StakeResult, error) {
	if err := s.allow(ctx, req.UserID); err != nil {
		return StakeResult{}, err
	}

	lock, err := s.escrow.Reserve(ctx, escrow.ReserveRequest{
		UserID:         req.UserID,
		PredictionID:   req.PredictionID,
		OptionID:       req.OptionID,
		AmountCents:    req.AmountCents,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return StakeResult{}, err
	}

	switch lock.Status {
	case domain.LockStatusConsumed:
		return s.replayed(ctx, lock)
	case domain.LockStatusActive:
	default:
		return StakeResult{}, fmt.Errorf("stake_service: lock %s is %s: %w", lock.ID, lock.Status, domain.ErrLockNotActive)
	}

	entry, err := s.escrow.Consume(ctx, lock.ID)
	if err != nil {
		// A concurrent request with the same key may have consumed the lock
		// between our reserve and consume.
		if errors.Is(err, domain.ErrLockNotActive) {
			if current, getErr := s.escrow.Get(ctx, lock.ID); getErr == nil && current.Status == domain.LockStatusConsumed {
				return s.replayed(ctx, current)
			}
		}
		s.releaseAfterFailure(ctx, lock, err)
		return StakeResult{}, err
	}
	lock.Status = domain.LockStatusConsumed
	lock.EntryID = entry.ID
	s.accepted(ctx, entry)
	return StakeResult{Lock: lock, Entry: entry}, nil
}

// replayed returns the entry an already consumed lock turned into.
func (s *StakeService) replayed(ctx context.Context, lock domain.EscrowLock) (StakeResult, error) {
	entry, err := s.entries.GetByID(ctx, lock.EntryID)
	if err != nil {
		return StakeResult{}, fmt.Errorf("stake_service: entry of lock %s: %w", lock.ID, err)
	}
	return StakeResult{Lock: lock, Entry: entry, Replayed: true}, nil
}

func (s *StakeService) releaseAfterFailure(ctx context.Context, lock domain.EscrowLock, cause error) {
	// The store has already resolved the lock for these.
	if errors.Is(cause, domain.ErrLockNotActive) || errors.Is(cause, domain.ErrPredictionNotOpen) {
		return
	}
	if _, err := s.escrow.Release(ctx, lock.ID); err != nil && !errors.Is(err, domain.ErrLockNotActive) {
		s.logger.WarnContext(ctx, "release after failed consume failed",
			slog.String("lock_id", lock.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Reserve holds funds without creating an entry.
func (s *StakeService) Reserve(ctx context.Context, req StakeRequest) (domain.EscrowLock, error) {
	if err := s.allow(ctx, req.UserID); err != nil {
		return domain.EscrowLock{}, err
	}
	return s.escrow.Reserve(ctx, escrow.ReserveRequest{
		UserID:         req.UserID,
		PredictionID:   req.PredictionID,
		OptionID:       req.OptionID,
		AmountCents:    req.AmountCents,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// Consume turns the caller's lock into an entry.
func (s *StakeService) Consume(ctx context.Context, userID, lockID string) (domain.Entry, error) {
	if err := s.owns(ctx, userID, lockID); err != nil {
		return domain.Entry{}, err
	}
	entry, err := s.escrow.Consume(ctx, lockID)
	if err != nil {
		return domain.Entry{}, err
	}
	s.accepted(ctx, entry)
	return entry, nil
}

// Release frees the caller's lock.
func (s *StakeService) Release(ctx context.Context, userID, lockID string) (domain.EscrowLock, error) {
	if err := s.owns(ctx, userID, lockID); err != nil {
		return domain.EscrowLock{}, err
	}
	return s.escrow.Release(ctx, lockID)
}

// Balance reports the user's balance, the amount held by active locks and
// what remains available to reserve.
func (s *StakeService) Balance(ctx context.Context, userID string) (Balance, error) {
	acct, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	held, err := s.escrow.ActiveSum(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		UserID:         userID,
		BalanceCents:   acct.BalanceCents,
		HeldCents:      held,
		AvailableCents: acct.BalanceCents - held,
		WalletAddress:  acct.WalletAddress,
	}, nil
}

// Entries lists the user's entries, newest first.
func (s *StakeService) Entries(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Entry, error) {
	return s.entries.ListByUser(ctx, userID, opts)
}

func (s *StakeService) owns(ctx context.Context, userID, lockID string) error {
	lock, err := s.escrow.Get(ctx, lockID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("stake_service: lock %s: %w", lockID, domain.ErrLockNotActive)
		}
		return err
	}
	if lock.UserID != userID {
		return fmt.Errorf("stake_service: lock %s: %w", lockID, domain.ErrForbidden)
	}
	return nil
}

func (s *StakeService) allow(ctx context.Context, userID string) error {
	if s.limiter == nil || s.limit.Requests <= 0 {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "stakes:"+userID, s.limit.Requests, s.limit.Window)
	if err != nil {
		// A limiter outage must not block staking.
		s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("stake_service: user %s: %w", userID, domain.ErrRateLimited)
	}
	return nil
}

func (s *StakeService) accepted(ctx context.Context, entry domain.Entry) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, entry.PredictionID); err != nil {
			s.logger.WarnContext(ctx, "prediction cache invalidate failed", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "stake accepted",
		slog.String("entry_id", entry.ID),
		slog.String("prediction_id", entry.PredictionID),
		slog.String("option_id", entry.OptionID),
		slog.Int64("stake_cents", entry.StakeCents),
	)
	s.fx.record(ctx, "stake.accepted", map[string]any{
		"entry_id":      entry.ID,
		"lock_id":       entry.LockID,
		"prediction_id": entry.PredictionID,
		"option_id":     entry.OptionID,
		"user_id":       entry.UserID,
		"stake_cents":   entry.StakeCents,
	})
	s.fx.publish(ctx, domain.ChannelStakes, Event{
		Type:         EventStakeAccepted,
		PredictionID: entry.PredictionID,
		OptionID:     entry.OptionID,
		AmountCents:  entry.StakeCents,
		At:           entry.CreatedAt,
	})
}
