package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, merges it on top of the
// built-in defaults, applies STAKEPOOL_* environment variable overrides, and
// returns the final Config. Files ending in .yaml or .yml are decoded as
// YAML, anything else as TOML; an empty path uses defaults only. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides reads well-known STAKEPOOL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the config file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.Driver, "STAKEPOOL_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "STAKEPOOL_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "STAKEPOOL_DATABASE_HOST")
	setInt(&cfg.Database.Port, "STAKEPOOL_DATABASE_PORT")
	setStr(&cfg.Database.Database, "STAKEPOOL_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "STAKEPOOL_DATABASE_USER")
	setStr(&cfg.Database.Password, "STAKEPOOL_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "STAKEPOOL_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "STAKEPOOL_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "STAKEPOOL_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "STAKEPOOL_DATABASE_RUN_MIGRATIONS")
	setStr(&cfg.Database.SQLitePath, "STAKEPOOL_DATABASE_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "STAKEPOOL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STAKEPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STAKEPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STAKEPOOL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STAKEPOOL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STAKEPOOL_REDIS_MAX_RETRIES")
	setDuration(&cfg.Redis.DialTimeout, "STAKEPOOL_REDIS_DIAL_TIMEOUT")
	setBool(&cfg.Redis.TLSEnabled, "STAKEPOOL_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "STAKEPOOL_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "STAKEPOOL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "STAKEPOOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STAKEPOOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "STAKEPOOL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STAKEPOOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STAKEPOOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STAKEPOOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STAKEPOOL_S3_FORCE_PATH_STYLE")

	// ── Escrow ──
	setDuration(&cfg.Escrow.LockTTL, "STAKEPOOL_ESCROW_LOCK_TTL")
	setDuration(&cfg.Escrow.SweepInterval, "STAKEPOOL_ESCROW_SWEEP_INTERVAL")
	setInt(&cfg.Escrow.SweepBatch, "STAKEPOOL_ESCROW_SWEEP_BATCH")

	// ── Settlement ──
	setInt64(&cfg.Settlement.ChainID, "STAKEPOOL_SETTLEMENT_CHAIN_ID")
	setStr(&cfg.Settlement.ContractAddress, "STAKEPOOL_SETTLEMENT_CONTRACT_ADDRESS")
	setBool(&cfg.Settlement.Attest, "STAKEPOOL_SETTLEMENT_ATTEST")
	setBool(&cfg.Settlement.PublishOnSettle, "STAKEPOOL_SETTLEMENT_PUBLISH_ON_SETTLE")
	setDuration(&cfg.Settlement.PublishInterval, "STAKEPOOL_SETTLEMENT_PUBLISH_INTERVAL")
	setDuration(&cfg.Settlement.CloseInterval, "STAKEPOOL_SETTLEMENT_CLOSE_INTERVAL")
	setInt(&cfg.Settlement.JobBatch, "STAKEPOOL_SETTLEMENT_JOB_BATCH")

	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "STAKEPOOL_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "STAKEPOOL_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "STAKEPOOL_SIGNER_KEY_PASSWORD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STAKEPOOL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STAKEPOOL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STAKEPOOL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "STAKEPOOL_SERVER_API_KEY")
	setStr(&cfg.Server.GatewaySecret, "STAKEPOOL_SERVER_GATEWAY_SECRET")
	setDuration(&cfg.Server.GatewayMaxSkew, "STAKEPOOL_SERVER_GATEWAY_MAX_SKEW")
	setInt(&cfg.Server.StakeRateLimit, "STAKEPOOL_SERVER_STAKE_RATE_LIMIT")
	setDuration(&cfg.Server.StakeRateWindow, "STAKEPOOL_SERVER_STAKE_RATE_WINDOW")
	setInt(&cfg.Server.RequestRateLimit, "STAKEPOOL_SERVER_REQUEST_RATE_LIMIT")
	setDuration(&cfg.Server.RequestRateWindow, "STAKEPOOL_SERVER_REQUEST_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STAKEPOOL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STAKEPOOL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STAKEPOOL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STAKEPOOL_NOTIFY_EVENTS")
	setFloat64(&cfg.Notify.PerSecond, "STAKEPOOL_NOTIFY_PER_SECOND")
	setInt(&cfg.Notify.Burst, "STAKEPOOL_NOTIFY_BURST")

	// ── Top-level ──
	setStr(&cfg.Mode, "STAKEPOOL_MODE")
	setStr(&cfg.LogLevel, "STAKEPOOL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
