// Package notify delivers operator alerts to Discord and Telegram. Alerts
// are filtered by event type and throttled so a failing job cannot flood
// the channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
)

// Alert event types.
const (
	EventSettlementCompleted = "settlement_completed"
	EventRootPublished       = "root_published"
	EventDataIntegrity       = "data_integrity"
	EventRootMismatch        = "root_mismatch"
	EventSweepFailed         = "sweep_failed"
)

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLimit caps dispatches at r per second with the given burst. Alerts
// over the limit are dropped and logged.
func WithLimit(r rate.Limit, burst int) Option {
	return func(n *Notifier) { n.limiter = rate.NewLimiter(r, burst) }
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger, opts ...Option) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	n := &Notifier{
		senders: senders,
		events:  allowed,
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:  logger.With(slog.String("component", "notifier")),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify sends the alert when event passes the filter and the limiter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.limiter.Allow() {
		n.logger.WarnContext(ctx, "alert dropped by rate limit",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent", slog.String("sender", s.Name()), slog.String("event", event))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
