package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/lifecycle"
	"github.com/alanyoungcy/stakepool/internal/notify"
	"github.com/alanyoungcy/stakepool/internal/settlement"
)

// ClaimPublisher publishes the Merkle claim of a settled prediction.
type ClaimPublisher interface {
	Publish(ctx context.Context, predictionID string) (domain.MerkleClaim, error)
}

// SettlementService computes and records the outcome of a prediction.
type SettlementService struct {
	predictions domain.PredictionStore
	entries     domain.EntryStore
	settlements domain.SettlementStore
	cache       domain.PredictionCache
	claims      ClaimPublisher
	fx          sideEffects
	now         func() time.Time
	logger      *slog.Logger
}

// NewSettlementService creates a SettlementService. cache, claims, bus,
// audit and alerts may be nil. Without claims, publication is left to the
// scheduler.
func NewSettlementService(
	predictions domain.PredictionStore,
	entries domain.EntryStore,
	settlements domain.SettlementStore,
	cache domain.PredictionCache,
	claims ClaimPublisher,
	bus domain.SignalBus,
	audit domain.AuditStore,
	alerts Alerter,
	logger *slog.Logger,
) *SettlementService {
	logger = logger.With(slog.String("component", "settlement_service"))
	return &SettlementService{
		predictions: predictions,
		entries:     entries,
		settlements: settlements,
		cache:       cache,
		claims:      claims,
		fx:          sideEffects{bus: bus, audit: audit, alerts: alerts, logger: logger},
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// WithClock replaces time.Now.
func (s *SettlementService) WithClock(now func() time.Time) *SettlementService {
	s.now = now
	return s
}

// Settle resolves the prediction in favour of winningOptionID. Settling an
// already settled prediction returns the stored record unchanged, whichever
// option the caller names.
func (s *SettlementService) Settle(ctx context.Context, predictionID, winningOptionID, actor string) (domain.SettlementRecord, error) {
	if existing, err := s.settlements.Get(ctx, predictionID); err == nil {
		s.duplicate(ctx, existing, winningOptionID)
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementRecord{}, err
	}

	p, err := s.predictions.GetByID(ctx, predictionID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	if !lifecycle.CanSettle(p.Status) {
		return domain.SettlementRecord{}, &domain.InvalidTransitionError{From: p.Status, To: domain.StatusSettled}
	}
	winner, ok := p.Option(winningOptionID)
	if !ok {
		return domain.SettlementRecord{}, fmt.Errorf("settlement_service: option %s of %s: %w", winningOptionID, predictionID, domain.ErrNotFound)
	}

	rec, err := s.compute(ctx, p, winner)
	if err != nil {
		if errors.Is(err, domain.ErrDataIntegrity) {
			s.integrityAlert(ctx, predictionID, err)
		}
		return domain.SettlementRecord{}, err
	}
	rec.SettledBy = actor
	rec.CreatedAt = s.now()

	stored, created, err := s.settlements.Settle(ctx, domain.SettleRequest{Record: rec, FromStatus: p.Status})
	if err != nil {
		if errors.Is(err, domain.ErrDataIntegrity) {
			s.integrityAlert(ctx, predictionID, err)
		}
		return domain.SettlementRecord{}, err
	}
	if !created {
		s.duplicate(ctx, stored, winningOptionID)
		return stored, nil
	}

	s.settled(ctx, stored)
	return stored, nil
}

// compute derives pools from the entries, checks them against the option
// counters and allocates the distributable pool.
func (s *SettlementService) compute(ctx context.Context, p domain.Prediction, winner domain.Option) (domain.SettlementRecord, error) {
	entries, err := s.entries.ListByPrediction(ctx, p.ID)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement_service: entries of %s: %w", p.ID, err)
	}

	perOption := make(map[string]int64, len(p.Options))
	var stakes []settlement.WinningStake
	for _, e := range entries {
		if e.Status != domain.EntryStatusActive {
			return domain.SettlementRecord{}, &domain.IntegrityError{
				PredictionID: p.ID,
				Reason:       fmt.Sprintf("entry %s is %s before settlement", e.ID, e.Status),
			}
		}
		perOption[e.OptionID] += e.StakeCents
		if e.OptionID == winner.ID {
			stakes = append(stakes, settlement.WinningStake{EntryID: e.ID, StakeCents: e.StakeCents})
		}
	}

	var total int64
	for _, o := range p.Options {
		if perOption[o.ID] != o.TotalStakedCents {
			return domain.SettlementRecord{}, &domain.IntegrityError{
				PredictionID: p.ID,
				Reason:       fmt.Sprintf("option %s counter %d != entry sum %d", o.ID, o.TotalStakedCents, perOption[o.ID]),
			}
		}
		total += o.TotalStakedCents
	}
	winning := winner.TotalStakedCents

	totals, err := settlement.CheckedCalculate(winning, total-winning, p.Fees)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement_service: %s: %w", p.ID, err)
	}
	payouts, err := settlement.Allocate(stakes, totals.DistributableCents)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement_service: allocate %s: %w", p.ID, err)
	}

	return domain.SettlementRecord{
		PredictionID:       p.ID,
		WinningOptionID:    winner.ID,
		WinningPoolCents:   totals.WinningPoolCents,
		LosingPoolCents:    totals.LosingPoolCents,
		PlatformFeeCents:   totals.PlatformFeeCents,
		CreatorFeeCents:    totals.CreatorFeeCents,
		DistributableCents: totals.DistributableCents,
		Payouts:            payouts,
	}, nil
}

// Get returns the settlement record of a prediction.
func (s *SettlementService) Get(ctx context.Context, predictionID string) (domain.SettlementRecord, error) {
	return s.settlements.Get(ctx, predictionID)
}

func (s *SettlementService) settled(ctx context.Context, rec domain.SettlementRecord) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, rec.PredictionID); err != nil {
			s.logger.WarnContext(ctx, "prediction cache invalidate failed", slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "prediction settled",
		slog.String("prediction_id", rec.PredictionID),
		slog.String("winning_option_id", rec.WinningOptionID),
		slog.Int64("distributable_cents", rec.DistributableCents),
		slog.Int("winners", len(rec.Payouts)),
	)
	s.fx.record(ctx, "settlement.completed", map[string]any{
		"prediction_id":       rec.PredictionID,
		"winning_option_id":   rec.WinningOptionID,
		"winning_pool_cents":  rec.WinningPoolCents,
		"losing_pool_cents":   rec.LosingPoolCents,
		"platform_fee_cents":  rec.PlatformFeeCents,
		"creator_fee_cents":   rec.CreatorFeeCents,
		"distributable_cents": rec.DistributableCents,
		"settled_by":          rec.SettledBy,
	})
	s.fx.publish(ctx, domain.ChannelSettlements, Event{
		Type:         EventSettlementCompleted,
		PredictionID: rec.PredictionID,
		Status:       domain.StatusSettled,
		OptionID:     rec.WinningOptionID,
		PoolCents:    rec.WinningPoolCents + rec.LosingPoolCents,
		At:           rec.CreatedAt,
	})
	s.fx.alert(ctx, notify.EventSettlementCompleted, "Prediction settled",
		fmt.Sprintf("%s: winner %s, %d cents to %d entries (fees %d+%d)",
			rec.PredictionID, rec.WinningOptionID, rec.DistributableCents, len(rec.Payouts),
			rec.PlatformFeeCents, rec.CreatorFeeCents))

	if s.claims != nil {
		if _, err := s.claims.Publish(ctx, rec.PredictionID); err != nil {
			// The scheduler retries unpublished settlements.
			s.logger.WarnContext(ctx, "publish claim after settlement failed",
				slog.String("prediction_id", rec.PredictionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *SettlementService) duplicate(ctx context.Context, rec domain.SettlementRecord, requested string) {
	attrs := []any{
		slog.String("prediction_id", rec.PredictionID),
		slog.String("winning_option_id", rec.WinningOptionID),
	}
	if requested != rec.WinningOptionID {
		s.logger.WarnContext(ctx, "settle request names a different winner than the stored record",
			append(attrs, slog.String("requested", requested))...)
		return
	}
	s.logger.InfoContext(ctx, "prediction already settled", attrs...)
}

func (s *SettlementService) integrityAlert(ctx context.Context, predictionID string, err error) {
	s.logger.ErrorContext(ctx, "settlement halted on integrity violation",
		slog.String("prediction_id", predictionID),
		slog.String("error", err.Error()),
	)
	s.fx.record(ctx, "settlement.integrity_violation", map[string]any{
		"prediction_id": predictionID,
		"error":         err.Error(),
	})
	s.fx.alert(ctx, notify.EventDataIntegrity, "Settlement halted", fmt.Sprintf("%s: %v", predictionID, err))
}
