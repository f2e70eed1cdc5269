package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	s3blob "github.com/alanyoungcy/stakepool/internal/blob/s3"
	"github.com/alanyoungcy/stakepool/internal/cache/redis"
	"github.com/alanyoungcy/stakepool/internal/config"
	"github.com/alanyoungcy/stakepool/internal/crypto"
	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/notify"
	"github.com/alanyoungcy/stakepool/internal/store/postgres"
	"github.com/alanyoungcy/stakepool/internal/store/sqlite"
)

// Dependencies bundles every domain-level dependency the run modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
// Cache, coordination and archive fields stay nil when their backend is
// disabled.
type Dependencies struct {
	// Stores
	PredictionStore domain.PredictionStore
	EntryStore      domain.EntryStore
	AccountStore    domain.AccountStore
	EscrowStore     domain.EscrowStore
	SettlementStore domain.SettlementStore
	ClaimStore      domain.ClaimStore
	AuditStore      domain.AuditStore

	// Caches and coordination (Redis)
	PredictionCache domain.PredictionCache
	ClaimCache      domain.ClaimCache
	RateLimiter     domain.RateLimiter
	LockManager     domain.LockManager
	SignalBus       domain.SignalBus

	// Settlement archive (S3)
	Archiver domain.SettlementArchiver

	// Root attestation signer; nil unless settlement.attest is on.
	Signer *crypto.Signer

	// Notifications
	Notifier *notify.Notifier

	// Checks are probed by the health endpoint, keyed by dependency name.
	Checks map[string]func(ctx context.Context) error
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Checks: make(map[string]func(context.Context) error)}

	// --- Datastore ---
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return fail("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.PredictionStore = sqlite.NewPredictionStore(db)
		deps.EntryStore = sqlite.NewEntryStore(db)
		deps.AccountStore = sqlite.NewAccountStore(db)
		deps.EscrowStore = sqlite.NewEscrowStore(db)
		deps.SettlementStore = sqlite.NewSettlementStore(db)
		deps.ClaimStore = sqlite.NewClaimStore(db)
		deps.AuditStore = sqlite.NewAuditStore(db)
		deps.Checks["database"] = db.SQL().PingContext

	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PredictionStore = postgres.NewPredictionStore(pool)
		deps.EntryStore = postgres.NewEntryStore(pool)
		deps.AccountStore = postgres.NewAccountStore(pool)
		deps.EscrowStore = postgres.NewEscrowStore(pool)
		deps.SettlementStore = postgres.NewSettlementStore(pool)
		deps.ClaimStore = postgres.NewClaimStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["database"] = pool.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PredictionCache = redis.NewPredictionCache(redisClient)
		deps.ClaimCache = redis.NewClaimCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "redis disabled: no caching, rate limits, job locks or event fan-out")
	}

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.AuditStore)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Root attestation signer ---
	if cfg.Settlement.Attest {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Signer.PrivateKey,
			EncryptedKeyPath: cfg.Signer.EncryptedKeyPath,
			KeyPassword:      cfg.Signer.KeyPassword,
		})
		if err != nil {
			return fail("wire: signer key: %w", err)
		}
		signer, err := crypto.NewSigner(key, cfg.Settlement.ChainID, cfg.Settlement.ContractAddress)
		if err != nil {
			return fail("wire: signer: %w", err)
		}
		deps.Signer = signer
		logger.InfoContext(ctx, "root attestation enabled",
			slog.String("signer", signer.Address().Hex()),
			slog.Int64("chain_id", cfg.Settlement.ChainID),
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	var notifyOpts []notify.Option
	if cfg.Notify.PerSecond > 0 {
		notifyOpts = append(notifyOpts, notify.WithLimit(rate.Limit(cfg.Notify.PerSecond), cfg.Notify.Burst))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger, notifyOpts...)

	return deps, cleanup, nil
}
