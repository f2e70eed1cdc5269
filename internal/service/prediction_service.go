package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/escrow"
	"github.com/alanyoungcy/stakepool/internal/lifecycle"
	"github.com/alanyoungcy/stakepool/internal/odds"
)

// CreatePredictionRequest is the admin input for a new prediction.
type CreatePredictionRequest struct {
	CreatorID     string
	Title         string
	EntryDeadline time.Time
	Fees          domain.FeeSchedule
	OddsModel     domain.OddsModel
	Options       []string
	// Status is pending or open; empty means open.
	Status domain.PredictionStatus
}

// PredictionService owns prediction creation, lifecycle moves, refunds and
// previews.
type PredictionService struct {
	predictions domain.PredictionStore
	settlements domain.SettlementStore
	cache       domain.PredictionCache
	escrow      *escrow.Manager
	fx          sideEffects
	now         func() time.Time
	logger      *slog.Logger
}

// NewPredictionService creates a PredictionService. cache, bus and audit
// may be nil.
func NewPredictionService(
	predictions domain.PredictionStore,
	settlements domain.SettlementStore,
	cache domain.PredictionCache,
	escrowMgr *escrow.Manager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PredictionService {
	logger = logger.With(slog.String("component", "prediction_service"))
	return &PredictionService{
		predictions: predictions,
		settlements: settlements,
		cache:       cache,
		escrow:      escrowMgr,
		fx:          sideEffects{bus: bus, audit: audit, logger: logger},
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// WithClock replaces time.Now.
func (s *PredictionService) WithClock(now func() time.Time) *PredictionService {
	s.now = now
	return s
}

// Create validates req and stores the prediction with a fee snapshot.
func (s *PredictionService) Create(ctx context.Context, req CreatePredictionRequest) (domain.Prediction, error) {
	now := s.now()
	if err := validateCreate(req, now); err != nil {
		return domain.Prediction{}, err
	}
	status := req.Status
	if status == "" {
		status = domain.StatusOpen
	}
	model := req.OddsModel
	if model == "" {
		model = domain.OddsModelPoolV2
	}

	p := domain.Prediction{
		ID:            uuid.NewString(),
		CreatorID:     req.CreatorID,
		Title:         strings.TrimSpace(req.Title),
		Status:        status,
		EntryDeadline: req.EntryDeadline.UTC(),
		Fees:          req.Fees,
		OddsModel:     model,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, label := range req.Options {
		p.Options = append(p.Options, domain.Option{
			ID:           uuid.NewString(),
			PredictionID: p.ID,
			Label:        strings.TrimSpace(label),
			Position:     i,
		})
	}

	if err := s.predictions.Create(ctx, p); err != nil {
		return domain.Prediction{}, fmt.Errorf("prediction_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "prediction created",
		slog.String("prediction_id", p.ID),
		slog.String("status", string(p.Status)),
		slog.Int("options", len(p.Options)),
	)
	s.fx.record(ctx, "prediction.created", map[string]any{
		"prediction_id": p.ID,
		"creator_id":    p.CreatorID,
		"platform_bps":  p.Fees.PlatformBps,
		"creator_bps":   p.Fees.CreatorBps,
		"odds_model":    string(p.OddsModel),
	})
	s.fx.publish(ctx, domain.ChannelPredictions, Event{
		Type: EventPredictionCreated, PredictionID: p.ID, Status: p.Status, At: now,
	})
	return p, nil
}

func validateCreate(req CreatePredictionRequest, now time.Time) error {
	var problems []string
	if strings.TrimSpace(req.Title) == "" {
		problems = append(problems, "title is required")
	}
	if req.CreatorID == "" {
		problems = append(problems, "creator is required")
	}
	if len(req.Options) < 2 {
		problems = append(problems, "at least two options are required")
	}
	seen := make(map[string]bool, len(req.Options))
	for _, label := range req.Options {
		l := strings.ToLower(strings.TrimSpace(label))
		if l == "" {
			problems = append(problems, "option labels must not be empty")
			continue
		}
		if seen[l] {
			problems = append(problems, fmt.Sprintf("duplicate option %q", label))
		}
		seen[l] = true
	}
	if !req.Fees.Valid() {
		problems = append(problems, fmt.Sprintf("fees %d+%d bps out of range", req.Fees.PlatformBps, req.Fees.CreatorBps))
	}
	if req.OddsModel != "" && !req.OddsModel.Valid() {
		problems = append(problems, fmt.Sprintf("unknown odds model %q", req.OddsModel))
	}
	if req.Status != "" && req.Status != domain.StatusPending && req.Status != domain.StatusOpen {
		problems = append(problems, fmt.Sprintf("initial status must be pending or open, got %q", req.Status))
	}
	if !req.EntryDeadline.After(now) {
		problems = append(problems, "entry deadline must be in the future")
	}
	if len(problems) > 0 {
		return fmt.Errorf("prediction_service: %s: %w", strings.Join(problems, "; "), domain.ErrInvalidInput)
	}
	return nil
}

// Get returns the prediction, reading through the cache when configured.
func (s *PredictionService) Get(ctx context.Context, id string) (domain.Prediction, error) {
	if s.cache != nil {
		if p, err := s.cache.Get(ctx, id); err == nil {
			return p, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "prediction cache read failed", slog.String("prediction_id", id), slog.String("error", err.Error()))
		}
	}
	p, err := s.predictions.GetByID(ctx, id)
	if err != nil {
		return domain.Prediction{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "prediction cache fill failed", slog.String("prediction_id", id), slog.String("error", err.Error()))
		}
	}
	return p, nil
}

// Transition moves the prediction to `to`. Settled and refunded are
// reachable only through settlement and Refund, which write the matching
// records in the same transaction. Cancelling releases outstanding locks.
func (s *PredictionService) Transition(ctx context.Context, id string, to domain.PredictionStatus, actor string) (domain.Prediction, error) {
	to = lifecycle.Normalize(to)
	switch to {
	case domain.StatusSettled:
		return domain.Prediction{}, fmt.Errorf("prediction_service: settle %s through the settlement endpoint: %w", id, domain.ErrInvalidInput)
	case domain.StatusRefunded:
		if _, err := s.Refund(ctx, id, actor); err != nil {
			return domain.Prediction{}, err
		}
		return s.predictions.GetByID(ctx, id)
	}
	if !lifecycle.Known(to) {
		return domain.Prediction{}, fmt.Errorf("prediction_service: unknown status %q: %w", to, domain.ErrInvalidInput)
	}

	p, err := s.predictions.GetByID(ctx, id)
	if err != nil {
		return domain.Prediction{}, err
	}
	from := p.Status
	if err := lifecycle.Validate(from, to); err != nil {
		return domain.Prediction{}, err
	}

	now := s.now()
	if err := s.predictions.Transition(ctx, id, from, to, now); err != nil {
		return domain.Prediction{}, err
	}
	p.Status, p.UpdatedAt = to, now
	s.invalidate(ctx, id)

	if to == domain.StatusCancelled && s.escrow != nil {
		n, err := s.escrow.ReleaseForPrediction(ctx, id)
		if err != nil {
			// Locks left behind expire on their own.
			s.logger.WarnContext(ctx, "release locks of cancelled prediction failed",
				slog.String("prediction_id", id), slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.InfoContext(ctx, "released locks of cancelled prediction",
				slog.String("prediction_id", id), slog.Int64("locks", n))
		}
	}

	s.logger.InfoContext(ctx, "prediction transitioned",
		slog.String("prediction_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("actor", actor),
	)
	s.fx.record(ctx, "prediction.transition", map[string]any{
		"prediction_id": id, "from": string(from), "to": string(to), "actor": actor,
	})
	s.fx.publish(ctx, domain.ChannelPredictions, Event{
		Type: EventPredictionTransition, PredictionID: id, Status: to, At: now,
	})
	return p, nil
}

// Refund returns every active stake of a cancelled or disputed prediction
// to its owner and moves the prediction to refunded. It reports how many
// entries were refunded.
func (s *PredictionService) Refund(ctx context.Context, id, actor string) (int64, error) {
	p, err := s.predictions.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := lifecycle.Validate(p.Status, domain.StatusRefunded); err != nil {
		return 0, err
	}

	now := s.now()
	n, err := s.settlements.Refund(ctx, domain.RefundRequest{
		PredictionID: id,
		FromStatus:   p.Status,
		Actor:        actor,
		Now:          now,
	})
	if err != nil {
		return 0, fmt.Errorf("prediction_service: refund %s: %w", id, err)
	}
	s.invalidate(ctx, id)

	s.logger.InfoContext(ctx, "prediction refunded",
		slog.String("prediction_id", id),
		slog.Int64("entries", n),
		slog.String("actor", actor),
	)
	s.fx.record(ctx, "prediction.refunded", map[string]any{
		"prediction_id": id, "from": string(p.Status), "entries": n, "actor": actor,
	})
	s.fx.publish(ctx, domain.ChannelPredictions, Event{
		Type: EventPredictionRefunded, PredictionID: id, Status: domain.StatusRefunded, At: now,
	})
	return n, nil
}

// Preview quotes a hypothetical stake. Pool totals come from the cache when
// configured, so previews may lag the datastore by the cache TTL.
func (s *PredictionService) Preview(ctx context.Context, id, optionID string, stakeCents int64) (odds.Quote, error) {
	if stakeCents <= 0 {
		return odds.Quote{}, fmt.Errorf("prediction_service: stake %d: %w", stakeCents, domain.ErrInvalidInput)
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return odds.Quote{}, err
	}
	q, err := odds.QuoteOption(p, optionID, stakeCents)
	if err != nil {
		return odds.Quote{}, fmt.Errorf("prediction_service: option %s of %s: %w", optionID, id, err)
	}
	return q, nil
}

// CloseDue moves open predictions past their entry deadline to closed. A
// prediction changed concurrently is skipped.
func (s *PredictionService) CloseDue(ctx context.Context, limit int) (int, error) {
	due, err := s.predictions.ListDueForClose(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("prediction_service: list due: %w", err)
	}
	closed := 0
	for _, p := range due {
		if _, err := s.Transition(ctx, p.ID, domain.StatusClosed, "scheduler"); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (s *PredictionService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "prediction cache invalidate failed", slog.String("prediction_id", id), slog.String("error", err.Error()))
	}
}
