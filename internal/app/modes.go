package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakepool/internal/crypto"
	"github.com/alanyoungcy/stakepool/internal/escrow"
	"github.com/alanyoungcy/stakepool/internal/server"
	"github.com/alanyoungcy/stakepool/internal/server/handler"
	"github.com/alanyoungcy/stakepool/internal/server/ws"
	"github.com/alanyoungcy/stakepool/internal/service"
	"github.com/alanyoungcy/stakepool/internal/worker"
)

// services holds the service layer shared by every mode.
type services struct {
	escrow      *escrow.Manager
	predictions *service.PredictionService
	stakes      *service.StakeService
	settlements *service.SettlementService
	claims      *service.ClaimService
}

func (a *App) buildServices(deps *Dependencies) *services {
	mgr := escrow.NewManager(deps.EscrowStore, deps.PredictionStore, a.cfg.Escrow.LockTTL.Duration, a.logger,
		escrow.WithSweepBatch(a.cfg.Escrow.SweepBatch))

	var signer service.RootSigner
	if deps.Signer != nil {
		signer = deps.Signer
	}
	claims := service.NewClaimService(
		deps.SettlementStore, deps.EntryStore, deps.PredictionStore, deps.ClaimStore,
		deps.ClaimCache, signer, deps.SignalBus, deps.Archiver, deps.AuditStore,
		deps.Notifier, a.logger,
	)

	var publisher service.ClaimPublisher
	if a.cfg.Settlement.PublishOnSettle {
		publisher = claims
	}

	return &services{
		escrow: mgr,
		predictions: service.NewPredictionService(
			deps.PredictionStore, deps.SettlementStore, deps.PredictionCache, mgr,
			deps.SignalBus, deps.AuditStore, a.logger,
		),
		stakes: service.NewStakeService(
			mgr, deps.EntryStore, deps.AccountStore, deps.PredictionCache, deps.RateLimiter,
			service.StakeLimit{
				Requests: a.cfg.Server.StakeRateLimit,
				Window:   a.cfg.Server.StakeRateWindow.Duration,
			},
			deps.SignalBus, deps.AuditStore, a.logger,
		),
		settlements: service.NewSettlementService(
			deps.PredictionStore, deps.EntryStore, deps.SettlementStore, deps.PredictionCache,
			publisher, deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger,
		),
		claims: claims,
	}
}

// APIMode serves the HTTP API and websocket hub.
func (a *App) APIMode(ctx context.Context, deps *Dependencies, svcs *services) error {
	a.logger.InfoContext(ctx, "starting api mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// WorkerMode runs the scheduled jobs: closing predictions at their
// deadline, sweeping expired locks and publishing pending claims.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, svcs *services) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps, svcs)
	return g.Wait()
}

// FullMode runs the API and the scheduler in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svcs *services) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps, svcs)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}
	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	jobs := worker.Jobs(svcs.predictions, svcs.escrow, svcs.claims, deps.Notifier, worker.Intervals{
		CloseDue:       a.cfg.Settlement.CloseInterval.Duration,
		SweepLocks:     a.cfg.Escrow.SweepInterval.Duration,
		PublishPending: a.cfg.Settlement.PublishInterval.Duration,
		BatchSize:      a.cfg.Settlement.JobBatch,
	}, a.logger)
	sched := worker.NewScheduler(jobs, deps.LockManager, a.logger)
	g.Go(func() error {
		return sched.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and websocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	checks := make(map[string]handler.HealthCheck, len(deps.Checks))
	for name, check := range deps.Checks {
		checks[name] = check
	}

	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RequestRateLimit,
		RateWindow:  a.cfg.Server.RequestRateWindow.Duration,
	}
	if a.cfg.Server.GatewaySecret != "" {
		cfg.Gateway = &crypto.GatewayAuth{
			Secret:  []byte(a.cfg.Server.GatewaySecret),
			MaxSkew: a.cfg.Server.GatewayMaxSkew.Duration,
		}
	} else {
		a.logger.WarnContext(ctx, "gateway_secret not set: identity headers are trusted unsigned")
	}

	srv := server.NewServer(cfg, server.Handlers{
		Health:      handler.NewHealthHandler(checks, a.logger),
		Predictions: handler.NewPredictionHandler(svcs.predictions, a.logger),
		Settlements: handler.NewSettlementHandler(svcs.settlements, svcs.claims, a.logger),
		Stakes:      handler.NewStakeHandler(svcs.stakes, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// logStartup reports which optional backends are active.
func (a *App) logStartup(ctx context.Context, deps *Dependencies) {
	a.logger.InfoContext(ctx, "backends",
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("archive", deps.Archiver != nil),
		slog.Bool("attest", deps.Signer != nil),
	)
}
