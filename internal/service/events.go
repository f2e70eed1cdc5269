package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
)

// Event types published on the signal bus.
const (
	EventPredictionCreated    = "prediction.created"
	EventPredictionTransition = "prediction.transition"
	EventPredictionRefunded   = "prediction.refunded"
	EventStakeAccepted        = "stake.accepted"
	EventSettlementCompleted  = "settlement.completed"
	EventRootPublished        = "settlement.root_published"
)

// Event is the JSON payload fanned out to websocket clients.
type Event struct {
	Type         string                  `json:"type"`
	PredictionID string                  `json:"prediction_id"`
	Status       domain.PredictionStatus `json:"status,omitempty"`
	OptionID     string                  `json:"option_id,omitempty"`
	UserID       string                  `json:"user_id,omitempty"`
	AmountCents  int64                   `json:"amount_cents,omitempty"`
	PoolCents    int64                   `json:"pool_cents,omitempty"`
	Root         string                  `json:"root,omitempty"`
	At           time.Time               `json:"at"`
}

// Alerter sends operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// sideEffects bundles the best-effort outputs every service shares. Any of
// the dependencies may be nil; failures are logged and never surface to the
// caller.
type sideEffects struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	alerts Alerter
	logger *slog.Logger
}

func (s sideEffects) publish(ctx context.Context, channel string, ev Event) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "encode event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (s sideEffects) record(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (s sideEffects) alert(ctx context.Context, event, title, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
